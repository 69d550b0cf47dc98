package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"

	"github.com/harborci/e2ebot/poll"
)

type fakeDynamo struct {
	createErr error

	// putErrs is consumed one per PutItem call;
	// nil means the put succeeds.
	putErrs []error
	puts    []*dynamodb.PutItemInput

	deleteErr error
	deletes   []*dynamodb.DeleteItemInput
}

func (f *fakeDynamo) CreateTable(in *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	return &dynamodb.CreateTableOutput{}, f.createErr
}

func (f *fakeDynamo) PutItem(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if len(f.putErrs) == 0 {
		return &dynamodb.PutItemOutput{}, nil
	}
	err := f.putErrs[0]
	f.putErrs = f.putErrs[1:]
	return &dynamodb.PutItemOutput{}, err
}

func (f *fakeDynamo) DeleteItem(in *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
	f.deletes = append(f.deletes, in)
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func conditionalFail() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "the conditional request failed", nil)
}

func fastPolls(t *testing.T) {
	t.Helper()
	savedTimeout, savedInterval := acquireTimeout, acquireInterval
	acquireTimeout = 50 * time.Millisecond
	acquireInterval = time.Millisecond
	t.Cleanup(func() {
		acquireTimeout, acquireInterval = savedTimeout, savedInterval
	})
}

func TestEnsureTable(t *testing.T) {
	db := &fakeDynamo{}
	c := newClientWith(db, "test-owner")
	if err := c.EnsureTable(); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
}

func TestEnsureTableExists(t *testing.T) {
	db := &fakeDynamo{
		createErr: awserr.New(dynamodb.ErrCodeResourceInUseException, "table exists", nil),
	}
	c := newClientWith(db, "test-owner")
	if err := c.EnsureTable(); err != nil {
		t.Fatalf("EnsureTable with existing table: %v", err)
	}
}

func TestEnsureTableError(t *testing.T) {
	db := &fakeDynamo{createErr: errors.New("no credentials")}
	c := newClientWith(db, "test-owner")
	if err := c.EnsureTable(); err == nil {
		t.Fatal("EnsureTable: expected error")
	}
}

func TestAcquire(t *testing.T) {
	fastPolls(t)
	db := &fakeDynamo{}
	c := newClientWith(db, "test-owner")

	lease, err := c.Acquire(context.Background(), "staging-e2e", time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Name != "staging-e2e" {
		t.Errorf("lease name = %q, want staging-e2e", lease.Name)
	}
	if got := len(db.puts); got != 1 {
		t.Fatalf("PutItem calls = %d, want 1", got)
	}
	item := db.puts[0].Item
	if got := aws.StringValue(item["name"].S); got != "staging-e2e" {
		t.Errorf("item name = %q, want staging-e2e", got)
	}
	if got := aws.StringValue(item["owner"].S); got != "test-owner" {
		t.Errorf("item owner = %q, want test-owner", got)
	}
	if item["expires"].N == nil {
		t.Error("item has no expires attribute")
	}
}

func TestAcquireWaitsForHolder(t *testing.T) {
	fastPolls(t)
	db := &fakeDynamo{
		putErrs: []error{conditionalFail(), conditionalFail(), nil},
	}
	c := newClientWith(db, "test-owner")

	if _, err := c.Acquire(context.Background(), "staging-e2e", time.Hour); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := len(db.puts); got != 3 {
		t.Errorf("PutItem calls = %d, want 3", got)
	}
}

func TestAcquireFreshTable(t *testing.T) {
	fastPolls(t)
	// A table EnsureTable just created answers puts with
	// ResourceNotFoundException until it goes ACTIVE.
	notFound := awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	db := &fakeDynamo{
		putErrs: []error{notFound, notFound, nil},
	}
	c := newClientWith(db, "test-owner")

	lease, err := c.Acquire(context.Background(), "1-e2e", time.Hour)
	if err != nil {
		t.Fatalf("Acquire right after EnsureTable: %v", err)
	}
	if lease.Name != "1-e2e" {
		t.Errorf("lease name = %q, want 1-e2e", lease.Name)
	}
	if got := len(db.puts); got != 3 {
		t.Errorf("PutItem calls = %d, want 3", got)
	}
}

func TestAcquireFatalError(t *testing.T) {
	fastPolls(t)
	db := &fakeDynamo{
		putErrs: []error{awserr.New("AccessDeniedException", "not authorized", nil)},
	}
	c := newClientWith(db, "test-owner")

	_, err := c.Acquire(context.Background(), "staging-e2e", time.Hour)
	if err == nil {
		t.Fatal("Acquire: expected error")
	}
	if got := len(db.puts); got != 1 {
		t.Errorf("PutItem calls = %d, want 1 (fatal must not retry)", got)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	fastPolls(t)
	var errs []error
	for i := 0; i < 1000; i++ {
		errs = append(errs, conditionalFail())
	}
	db := &fakeDynamo{putErrs: errs}
	c := newClientWith(db, "test-owner")

	_, err := c.Acquire(context.Background(), "staging-e2e", time.Hour)
	var te *poll.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Acquire error = %v, want timeout", err)
	}
	if !strings.Contains(te.LastReason, "locked by another run") {
		t.Errorf("LastReason = %q, want lock-conflict reason", te.LastReason)
	}
}

func TestRelease(t *testing.T) {
	fastPolls(t)
	db := &fakeDynamo{}
	c := newClientWith(db, "test-owner")

	lease, err := c.Acquire(context.Background(), "staging-e2e", time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := len(db.deletes); got != 1 {
		t.Fatalf("DeleteItem calls = %d, want 1", got)
	}
	del := db.deletes[0]
	if got := aws.StringValue(del.Key["name"].S); got != "staging-e2e" {
		t.Errorf("delete key = %q, want staging-e2e", got)
	}
	if got := aws.StringValue(del.ExpressionAttributeValues[":owner"].S); got != "test-owner" {
		t.Errorf("delete owner condition = %q, want test-owner", got)
	}
}

func TestReleaseExpired(t *testing.T) {
	fastPolls(t)
	db := &fakeDynamo{deleteErr: conditionalFail()}
	c := newClientWith(db, "test-owner")

	lease, err := c.Acquire(context.Background(), "staging-e2e", time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	err = lease.Release(context.Background())
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("Release error = %v, want expired-lease error", err)
	}
}
