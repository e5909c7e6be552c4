package app

import (
	"os"
	"os/signal"
	"syscall"

	runtime "github.com/banzaicloud/logrus-runtime-formatter"
	logrusrv2 "github.com/bombsimon/logrusr/v2"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

// App holds attributes for the provisioner application
type App struct {
	// Viper loads configuration parameters.
	v *viper.Viper
	// Provisioner configuration.
	Config *Configuration
	// Logger is the app logger
	Logger *logrus.Logger
	// Kind is the type of application - worker/client
	Kind model.AppKind
}

// New returns returns a new instance of the provisioner app
func New(appKind model.AppKind, cfgFile string, loglevel int) (*App, <-chan os.Signal, error) {
	app := &App{
		v:      viper.New(),
		Kind:   appKind,
		Config: &Configuration{AppKind: appKind},
		Logger: logrus.New(),
	}

	if err := app.LoadConfiguration(cfgFile); err != nil {
		return nil, nil, err
	}

	// set log level, format
	switch loglevel {
	case model.LogLevelDebug:
		app.Logger.Level = logrus.DebugLevel
	case model.LogLevelTrace:
		app.Logger.Level = logrus.TraceLevel
	default:
		app.Logger.Level = logrus.InfoLevel

		if level, err := logrus.ParseLevel(app.Config.LogLevel); err == nil {
			app.Logger.Level = level
		}
	}

	runtimeFormatter := &runtime.Formatter{
		ChildFormatter: &logrus.JSONFormatter{},
		File:           true,
		Line:           true,
		BaseNameOnly:   true,
	}

	app.Logger.SetFormatter(runtimeFormatter)

	termCh := make(chan os.Signal, 1)

	// register for SIGINT, SIGTERM
	signal.Notify(termCh, syscall.SIGINT, syscall.SIGTERM)

	return app, termCh, nil
}

// InitOtelLogger sends the opentelemetry SDK logs to a logger with the app formatter.
func (a *App) InitOtelLogger() {
	logger := logrus.New()
	logger.Formatter = a.Logger.Formatter
	logger.Out = a.Logger.Out
	logger.Level = a.Logger.Level

	// the SDK logs info messages at logr V(4) and debug messages at V(8),
	// logrusr drops any V level greater than (logrus.Level - 4)
	// https://github.com/bombsimon/logrusr/blob/master/logrusr.go#L64
	switch a.Logger.GetLevel() {
	case logrus.TraceLevel:
		logger.Level = 12
	case logrus.DebugLevel:
		logger.Level = 8
	}

	otel.SetLogger(logrusrv2.New(logger))
}
