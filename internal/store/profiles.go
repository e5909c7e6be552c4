package store

import (
	"context"
	"os"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrProfilesFile = errors.New("profiles file error")
)

// ProfilesFile is the YAML document used to seed hardware and software profiles.
//
// hardwareProfiles:
//   - name: compute
//     resourceAdapter: generic
//     nameFormat: compute-##
//     mappedSoftwareProfiles: [centos]
//
// softwareProfiles:
//   - name: centos
//     kernel: vmlinuz-centos
//     mappedHardwareProfiles: [compute]
type ProfilesFile struct {
	HardwareProfiles []*model.HardwareProfile `yaml:"hardwareProfiles"`
	SoftwareProfiles []*model.SoftwareProfile `yaml:"softwareProfiles"`
}

// LoadProfiles reads the profiles YAML file and writes its profiles to the repository,
// existing profiles with the same name are replaced.
func LoadProfiles(ctx context.Context, repository Repository, filename string) (*ProfilesFile, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(ErrProfilesFile, err.Error())
	}

	profiles := &ProfilesFile{}
	if err := yaml.Unmarshal(b, profiles); err != nil {
		return nil, errors.Wrap(ErrProfilesFile, filename+": "+err.Error())
	}

	return profiles, PutProfiles(ctx, repository, profiles)
}

// PutProfiles writes the profiles in a single session.
func PutProfiles(ctx context.Context, repository Repository, profiles *ProfilesFile) error {
	sess, err := repository.Open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, hwp := range profiles.HardwareProfiles {
		if err := sess.PutHardwareProfile(ctx, hwp); err != nil {
			return err
		}
	}

	for _, swp := range profiles.SoftwareProfiles {
		if err := sess.PutSoftwareProfile(ctx, swp); err != nil {
			return err
		}
	}

	return sess.Commit()
}
