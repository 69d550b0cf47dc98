package aws

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ssm"
	"golang.org/x/xerrors"
)

type fakeSSM map[string]string

func (f fakeSSM) GetParameter(in *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
	v, ok := f[*in.Name]
	if !ok {
		return nil, xerrors.New("ParameterNotFound")
	}
	if !aws.BoolValue(in.WithDecryption) {
		return nil, xerrors.New("expected WithDecryption")
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssm.Parameter{Value: aws.String(v)},
	}, nil
}

func TestGet(t *testing.T) {
	ps := &ParameterStore{client: fakeSSM{
		"/harborci-1-e2e/github_account_1_pat": "ghp_secret",
	}}

	got, err := ps.Get("/harborci-1-e2e/github_account_1_pat")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ghp_secret" {
		t.Errorf("Get = %q, want ghp_secret", got)
	}

	if _, err := ps.Get("/missing"); err == nil {
		t.Error("Get missing parameter err = nil, want error")
	}
}

func TestFallbacks(t *testing.T) {
	ps := &ParameterStore{client: fakeSSM{
		"str":     "value",
		"dur":     "90s",
		"bad-dur": "ninety",
		"bool":    "true",
	}}

	if got := ps.GetString("str", "d"); got != "value" {
		t.Errorf("GetString = %q", got)
	}
	if got := ps.GetString("missing", "d"); got != "d" {
		t.Errorf("GetString fallback = %q", got)
	}
	if got := ps.GetDuration("dur", time.Second); got != 90*time.Second {
		t.Errorf("GetDuration = %v", got)
	}
	if got := ps.GetDuration("bad-dur", time.Second); got != time.Second {
		t.Errorf("GetDuration bad value = %v, want fallback", got)
	}
	if got := ps.GetBool("bool", false); got != true {
		t.Errorf("GetBool = %v", got)
	}
	if got := ps.GetBool("missing", true); got != true {
		t.Errorf("GetBool fallback = %v", got)
	}
}
