// Package aws provides AWS session construction and
// Parameter Store access for harness configuration
// and secrets: the GitHub account PAT and the e2e
// SSH private key live in SSM, never on disk.
package aws

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"golang.org/x/xerrors"
)

// NewSession returns an AWS API session configured from
// the environment and shared config files, the same way
// the AWS CLI resolves credentials and region.
func NewSession() (*session.Session, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, xerrors.Errorf("creating aws session: %w", err)
	}
	return sess, nil
}

// Getter is the one SSM call the store makes,
// narrowed so tests can substitute a fake.
// It is satisfied by *ssm.SSM.
type Getter interface {
	GetParameter(*ssm.GetParameterInput) (*ssm.GetParameterOutput, error)
}

// ParameterStore reads decrypted values from the
// SSM Parameter Store.
type ParameterStore struct {
	client Getter
}

// NewStore returns a ParameterStore backed by sess.
func NewStore(sess *session.Session) *ParameterStore {
	return &ParameterStore{client: ssm.New(sess)}
}

// NewStoreWith returns a ParameterStore backed by the
// given client. It is intended for tests.
func NewStoreWith(client Getter) *ParameterStore {
	return &ParameterStore{client: client}
}

// Get returns the named parameter's decrypted value.
// Unlike the fallback accessors below, a missing
// parameter is an error: the harness cannot run
// without its secrets.
func (ps *ParameterStore) Get(name string) (string, error) {
	resp, err := ps.client.GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Errorf("getting ssm parameter %s: %w", name, err)
	}
	return *resp.Parameter.Value, nil
}

// GetString gets a parameter's value as a string.
// If the parameter does not exist or if there is an error, it returns fallback.
func (ps *ParameterStore) GetString(name, fallback string) string {
	v, err := ps.Get(name)
	if err != nil {
		return fallback
	}
	return v
}

// GetDuration gets a parameter's value as a duration.
// If the parameter does not exist or if there is an error, it returns fallback.
func (ps *ParameterStore) GetDuration(name string, fallback time.Duration) time.Duration {
	str := ps.GetString(name, "")
	if str == "" {
		return fallback
	}
	param, err := time.ParseDuration(str)
	if err != nil {
		return fallback
	}
	return param
}

// GetBool gets a parameter's value as a bool.
// If the parameter does not exist or if there is an error, it returns fallback.
func (ps *ParameterStore) GetBool(name string, fallback bool) bool {
	str := ps.GetString(name, "")
	if str == "" {
		return fallback
	}
	param, err := strconv.ParseBool(str)
	if err != nil {
		return fallback
	}
	return param
}
