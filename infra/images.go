// Package infra provisions and manages the AWS servers
// the e2e tests run against: plain test servers for CLI
// smoke tests and build runners registered with the
// platform. Provisioned instances are tracked in explicit
// name-keyed registries with construction-on-miss.
package infra

import (
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
)

// An Image describes how to launch and log in to one
// server class in us-west-2.
type Image struct {
	ID           string // AMI
	InstanceType string
	Username     string
	Connection   string // ssh or winrm
}

// serverImages maps platform/variant/arch to launch
// parameters. AMI IDs are region-specific; the whole e2e
// environment lives in us-west-2.
var serverImages = map[e2ebot.ServerDefinition]Image{
	{Platform: "linux", Variant: "ubuntu-22.04", Arch: "amd64"}: {
		ID:           "ami-095413544ce52437d",
		InstanceType: "t2.micro",
		Username:     "ubuntu",
		Connection:   "ssh",
	},
	{Platform: "linux", Variant: "ubuntu-22.04", Arch: "arm64"}: {
		ID:           "ami-072d13a1cd84b5f6b",
		InstanceType: "t4g.micro",
		Username:     "ubuntu",
		Connection:   "ssh",
	},
	{Platform: "windows", Variant: "server-2022-base", Arch: "amd64"}: {
		ID:           "ami-0e2daa9ce776be2b0",
		InstanceType: "t2.micro",
		Username:     "administrator",
		Connection:   "winrm",
	},
	{Platform: "windows", Variant: "server-2019-base", Arch: "amd64"}: {
		ID:           "ami-01aeb1044bb7cb673",
		InstanceType: "t2.micro",
		Username:     "administrator",
		Connection:   "winrm",
	},
	{Platform: "windows", Variant: "server-2016-base", Arch: "amd64"}: {
		ID:           "ami-005b3f1e9bd7a715a",
		InstanceType: "t2.micro",
		Username:     "administrator",
		Connection:   "winrm",
	},
	{Platform: "macos", Variant: "ventura", Arch: "amd64"}: {
		ID:           "ami-0dd2ded7568750663",
		InstanceType: "mac1.metal",
		Username:     "ec2-user",
		Connection:   "ssh",
	},
	{Platform: "macos", Variant: "ventura", Arch: "arm64"}: {
		ID:           "ami-03dd0557beedd17d3",
		InstanceType: "mac2.metal",
		Username:     "ec2-user",
		Connection:   "ssh",
	},
	{Platform: "macos", Variant: "monterey", Arch: "amd64"}: {
		ID:           "ami-0d500eeebb40b2269",
		InstanceType: "mac1.metal",
		Username:     "ec2-user",
		Connection:   "ssh",
	},
	{Platform: "macos", Variant: "monterey", Arch: "arm64"}: {
		ID:           "ami-084c6ab9d03ad4d46",
		InstanceType: "mac2.metal",
		Username:     "ec2-user",
		Connection:   "ssh",
	},
	{Platform: "macos", Variant: "bigsur", Arch: "amd64"}: {
		ID:           "ami-0c5e75b0a720163ac",
		InstanceType: "mac1.metal",
		Username:     "ec2-user",
		Connection:   "ssh",
	},
	{Platform: "macos", Variant: "bigsur", Arch: "arm64"}: {
		ID:           "ami-014950a66ddc4b722",
		InstanceType: "mac2.metal",
		Username:     "ec2-user",
		Connection:   "ssh",
	},
}

// LookupImage returns the launch parameters for def.
func LookupImage(def e2ebot.ServerDefinition) (Image, error) {
	img, ok := serverImages[def]
	if !ok {
		return Image{}, xerrors.Errorf("no server image for %s", def)
	}
	return img, nil
}
