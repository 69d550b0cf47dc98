// Package e2ebot contains type declarations used across
// multiple e2ebot-related packages.
package e2ebot

import (
	"errors"
	"strings"
)

// ServerDefinition identifies a class of test server
// by operating system platform, OS variant, and CPU
// architecture. It maps onto exactly one entry in the
// server image table in package infra.
type ServerDefinition struct {
	Platform string // e.g. linux
	Variant  string // e.g. ubuntu-22.04
	Arch     string // e.g. amd64
}

// ParseServerDef parses a server definition of the form
// platform/variant/arch, for example
// "linux/ubuntu-22.04/amd64".
func ParseServerDef(s string) (d ServerDefinition, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ServerDefinition{}, errors.New("bad server definition: want platform/variant/arch")
	}
	d.Platform, d.Variant, d.Arch = parts[0], parts[1], parts[2]
	if d.Platform == "" || d.Variant == "" || d.Arch == "" {
		return ServerDefinition{}, errors.New("bad server definition: empty component")
	}
	return d, nil
}

func (d ServerDefinition) String() string {
	return d.Platform + "/" + d.Variant + "/" + d.Arch
}
