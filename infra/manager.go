package infra

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"golang.org/x/xerrors"

	"github.com/harborci/e2ebot"
	configaws "github.com/harborci/e2ebot/config/aws"
	"github.com/harborci/e2ebot/log"
	"github.com/harborci/e2ebot/poll"
)

const (
	// keyName is the EC2 key pair servers launch with; its
	// private half lives in SSM under sshKeyParameter.
	keyName         = "harborci-e2e"
	sshKeyParameter = "/harborci-e2e/harborci-e2e.pem"

	defaultSubnetFilter        = "harborci-public-us-west-2a"
	defaultSecurityGroupFilter = "harborci-dmz"
)

// Vars, not consts, so tests can shorten them.
var (
	instanceRunTimeout  = 5 * time.Minute
	instanceRunInterval = 5 * time.Second
)

// ec2API is the subset of the EC2 API the manager uses,
// narrowed for testing.
type ec2API interface {
	DescribeSubnets(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error)
	DescribeSecurityGroups(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error)
	RunInstances(*ec2.RunInstancesInput) (*ec2.Reservation, error)
	DescribeInstances(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
}

// Manager deploys and destroys EC2 test servers inside one
// environment's network, keeping a registry of deployed
// servers by name.
type Manager struct {
	ec2   ec2API
	store *configaws.ParameterStore

	subnetFilter        string
	securityGroupFilter string

	mu      sync.Mutex
	servers map[string]*Server

	// discovered lazily on first deploy
	subnetID        string
	securityGroupID string
	sshKey          string
}

// Option configures a Manager.
type Option func(*Manager)

// Filters scopes subnet and security group discovery to
// resources whose Name tags match the given filters.
// The defaults name the shared (non-environment-scoped)
// e2e network.
func Filters(subnet, securityGroup string) Option {
	return func(m *Manager) {
		m.subnetFilter = subnet
		m.securityGroupFilter = securityGroup
	}
}

// NewManager returns a Manager backed by sess.
func NewManager(sess *session.Session, store *configaws.ParameterStore, opts ...Option) *Manager {
	m := &Manager{
		ec2:                 ec2.New(sess),
		store:               store,
		subnetFilter:        defaultSubnetFilter,
		securityGroupFilter: defaultSecurityGroupFilter,
		servers:             make(map[string]*Server),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the deployed server with the given name,
// or nil if no server by that name has been deployed
// by this manager.
func (m *Manager) Get(name string) *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[name]
}

// Deploy launches an EC2 instance for def named name,
// waits until it is running with a public address, and
// records it in the registry. Additional tags are applied
// to the instance alongside its Name tag.
func (m *Manager) Deploy(ctx context.Context, name string, def e2ebot.ServerDefinition, tags map[string]string) (*Server, error) {
	img, err := LookupImage(def)
	if err != nil {
		return nil, err
	}
	if err := m.discover(ctx); err != nil {
		return nil, err
	}

	log.Printkv(ctx, "at", "deploy-server", "name", name, "def", def)

	ec2Tags := []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	for k, v := range tags {
		ec2Tags = append(ec2Tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	res, err := m.ec2.RunInstances(&ec2.RunInstancesInput{
		ImageId:          aws.String(img.ID),
		InstanceType:     aws.String(img.InstanceType),
		KeyName:          aws.String(keyName),
		SecurityGroupIds: []*string{aws.String(m.securityGroupID)},
		SubnetId:         aws.String(m.subnetID),
		MinCount:         aws.Int64(1),
		MaxCount:         aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String("instance"),
			Tags:         ec2Tags,
		}},
	})
	if err != nil {
		return nil, xerrors.Errorf("launching instance for %s (%s, %s): %w", name, img.ID, img.InstanceType, err)
	}
	id := aws.StringValue(res.Instances[0].InstanceId)

	inst, err := m.waitRunning(ctx, id)
	if err != nil {
		return nil, xerrors.Errorf("waiting for instance %s: %w", id, err)
	}
	log.Printkv(ctx, "at", "deployed-server",
		"name", name,
		"id", id,
		"public_ip", aws.StringValue(inst.PublicIpAddress),
	)

	s := &Server{
		Name:       name,
		Platform:   def.Platform,
		InstanceID: id,
		PublicIP:   aws.StringValue(inst.PublicIpAddress),
		PrivateIP:  aws.StringValue(inst.PrivateIpAddress),
		Username:   img.Username,
		Connection: img.Connection,
		privateKey: m.sshKey,
	}
	m.mu.Lock()
	m.servers[name] = s
	m.mu.Unlock()
	return s, nil
}

// waitRunning polls the instance until it reaches the
// running state and has a public address. An instance
// heading for termination can never become running, so
// those states abort the wait.
func (m *Manager) waitRunning(ctx context.Context, id string) (*ec2.Instance, error) {
	return poll.Wait(ctx, func(ctx context.Context) poll.Result[*ec2.Instance] {
		out, err := m.ec2.DescribeInstances(&ec2.DescribeInstancesInput{
			InstanceIds: []*string{aws.String(id)},
		})
		if err != nil {
			return poll.Retry[*ec2.Instance]("describe instances: " + err.Error())
		}
		if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
			return poll.Retry[*ec2.Instance]("instance " + id + " not visible yet")
		}
		inst := out.Reservations[0].Instances[0]
		switch state := aws.StringValue(inst.State.Name); state {
		case ec2.InstanceStateNameRunning:
			if aws.StringValue(inst.PublicIpAddress) == "" {
				return poll.Retry[*ec2.Instance]("instance running, no public address yet")
			}
			return poll.Success(inst)
		case ec2.InstanceStateNamePending:
			return poll.Retry[*ec2.Instance]("instance state pending")
		default:
			return poll.Fatal[*ec2.Instance](xerrors.Errorf("instance %s entered state %s", id, state))
		}
	}, instanceRunTimeout, instanceRunInterval)
}

// Destroy terminates the server's instance and removes it
// from the registry.
func (m *Manager) Destroy(ctx context.Context, s *Server) error {
	log.Printkv(ctx, "at", "destroy-server", "name", s.Name, "id", s.InstanceID)
	s.Close()
	_, err := m.ec2.TerminateInstances(&ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(s.InstanceID)},
	})
	if err != nil {
		return xerrors.Errorf("terminating %s: %w", s.InstanceID, err)
	}
	m.mu.Lock()
	delete(m.servers, s.Name)
	m.mu.Unlock()
	return nil
}

// DestroyAll terminates every server in the registry.
// It keeps going past individual failures and returns
// the first error encountered.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	var servers []*Server
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range servers {
		if err := m.Destroy(ctx, s); err != nil {
			log.Error(ctx, err, "destroying ", s.Name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DestroyTagged terminates all running instances carrying
// the given tag, whether or not this manager launched
// them. It is the sweep used to reclaim an environment
// after a crashed harness run.
func (m *Manager) DestroyTagged(ctx context.Context, tagKey, tagValue string) error {
	out, err := m.ec2.DescribeInstances(&ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("instance-state-name"), Values: []*string{aws.String("running")}},
			{Name: aws.String("tag:" + tagKey), Values: []*string{aws.String(tagValue)}},
		},
	})
	if err != nil {
		return xerrors.Errorf("finding instances tagged %s=%s: %w", tagKey, tagValue, err)
	}
	var ids []*string
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			ids = append(ids, inst.InstanceId)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	log.Printkv(ctx, "at", "destroy-tagged", "tag", tagKey+"="+tagValue, "count", len(ids))
	_, err = m.ec2.TerminateInstances(&ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return xerrors.Errorf("terminating instances tagged %s=%s: %w", tagKey, tagValue, err)
	}
	return nil
}

// discover resolves the subnet, security group, and SSH
// key on first use.
func (m *Manager) discover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subnetID != "" {
		return nil
	}

	sn, err := m.ec2.DescribeSubnets(&ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("tag:Name"), Values: []*string{aws.String(m.subnetFilter)}},
		},
	})
	if err != nil {
		return xerrors.Errorf("describing subnets: %w", err)
	}
	if len(sn.Subnets) == 0 {
		return xerrors.Errorf("no public subnet matching %s", m.subnetFilter)
	}

	sg, err := m.ec2.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("tag:Name"), Values: []*string{aws.String(m.securityGroupFilter)}},
		},
	})
	if err != nil {
		return xerrors.Errorf("describing security groups: %w", err)
	}
	if len(sg.SecurityGroups) == 0 {
		return xerrors.Errorf("no security group matching %s", m.securityGroupFilter)
	}

	log.Printkv(ctx, "at", "load-ssh-key", "parameter", sshKeyParameter)
	key, err := m.store.Get(sshKeyParameter)
	if err != nil {
		return err
	}

	m.subnetID = aws.StringValue(sn.Subnets[0].SubnetId)
	m.securityGroupID = aws.StringValue(sg.SecurityGroups[0].GroupId)
	m.sshKey = key
	return nil
}
