package version

import (
	"runtime"
	rdebug "runtime/debug"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GitCommit     string
	GitBranch     string
	GitSummary    string
	BuildDate     string
	AppVersion    string
	NatsVersion   = depVersion("github.com/nats-io/nats.go")
	BadgerVersion = depVersion("github.com/dgraph-io/badger")
	GoVersion     = runtime.Version()
)

type Version struct {
	GitCommit     string `json:"git_commit"`
	GitBranch     string `json:"git_branch"`
	GitSummary    string `json:"git_summary"`
	BuildDate     string `json:"build_date"`
	AppVersion    string `json:"app_version"`
	GoVersion     string `json:"go_version"`
	NatsVersion   string `json:"nats_version"`
	BadgerVersion string `json:"badger_version"`
}

func Current() Version {
	return Version{
		GitBranch:     GitBranch,
		GitCommit:     GitCommit,
		GitSummary:    GitSummary,
		BuildDate:     BuildDate,
		AppVersion:    AppVersion,
		GoVersion:     GoVersion,
		NatsVersion:   NatsVersion,
		BadgerVersion: BadgerVersion,
	}
}

func ExportBuildInfoMetric() {
	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisioner_build_info",
			Help: "A metric with a constant '1' value, labeled by branch, commit, summary, builddate, version, Go version from which the provisioner was built.",
		},
		[]string{"branch", "commit", "summary", "builddate", "version", "goversion", "natsVersion", "badgerVersion"},
	)

	buildInfo.WithLabelValues(GitBranch, GitCommit, GitSummary, BuildDate, AppVersion, GoVersion, NatsVersion, BadgerVersion).Set(1)
}

// depVersion returns the version of the module with the path prefix the binary was built with.
func depVersion(prefix string) string {
	buildInfo, ok := rdebug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, d := range buildInfo.Deps {
		if strings.HasPrefix(d.Path, prefix) {
			return d.Version
		}
	}

	return ""
}
