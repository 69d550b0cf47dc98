package harness

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// pipelineFile is where the platform looks for a build
// definition in a repo.
const pipelineFile = ".harborci.yaml"

// Pipeline is the static build definition committed to test
// repos. One docker job with one step is enough to provoke
// a build.
type Pipeline struct {
	Version string `yaml:"version"`
	Jobs    []Job  `yaml:"jobs"`
}

type Job struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Docker Docker `yaml:"docker"`
	Steps  []Step `yaml:"steps"`
}

type Docker struct {
	Image string `yaml:"image"`
	Pull  string `yaml:"pull"`
}

type Step struct {
	Name     string   `yaml:"name"`
	Commands []string `yaml:"commands"`
}

// BasicPipeline returns the smallest useful build
// definition: one docker job running one echo step.
func BasicPipeline() Pipeline {
	return Pipeline{
		Version: "0.3",
		Jobs: []Job{{
			Name: "smoke",
			Type: "docker",
			Docker: Docker{
				Image: "alpine:3.18",
				Pull:  "if-not-exists",
			},
			Steps: []Step{{
				Name:     "hello",
				Commands: []string{`echo "e2e static pipeline"`},
			}},
		}},
	}
}

// WritePipeline writes p as the build definition under dir,
// creating dir if needed, and returns dir so callers can
// chain it into a commit.
func WritePipeline(dir string, p Pipeline) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	b, err := yaml.Marshal(p)
	if err != nil {
		return "", xerrors.Errorf("marshaling pipeline: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pipelineFile), b, 0644); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteSeedData writes a placeholder file used for the
// initial commit that nudges the platform into syncing a
// fresh repo.
func WriteSeedData(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	err := os.WriteFile(filepath.Join(dir, "README-e2e.md"), []byte("e2e repo seed\n"), 0644)
	if err != nil {
		return "", err
	}
	return dir, nil
}
