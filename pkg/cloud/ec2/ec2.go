package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// CloudTypes served by this driver. Eucalyptus and OpenStack speak the EC2
// API at the configured host.
var CloudTypes = []string{"AmazonEC2", "Eucalyptus", "OpenStack"}

// DefaultInstanceType is used when neither the job nor the configuration
// names one
const DefaultInstanceType = "m1.small"

var states = cluster.StateTable{
	ec2.InstanceStateNamePending:      types.VMStatusStarting,
	ec2.InstanceStateNameRunning:      types.VMStatusRunning,
	ec2.InstanceStateNameShuttingDown: types.VMStatusShutdown,
	ec2.InstanceStateNameTerminated:   types.VMStatusShutdown,
	ec2.InstanceStateNameStopping:     types.VMStatusShutdown,
	ec2.InstanceStateNameStopped:      types.VMStatusStopped,
	"error":                           types.VMStatusError,
}

// Options are the driver keys of a cluster entry
type Options struct {
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	SecurityGroups  []string      `yaml:"security_groups"`
	KeyName         string        `yaml:"key_name"`
	PlacementZone   string        `yaml:"placement_zone"`
	SubnetID        string        `yaml:"subnet_id"`
	VMDomainName    string        `yaml:"vm_domain_name"`
	InstanceType    string        `yaml:"instance_type"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Cluster is an EC2 compatible cloud
type Cluster struct {
	*cluster.Base

	opts   Options
	client ec2iface.EC2API
	env    cluster.Env
	logger zerolog.Logger
	now    func() time.Time
}

// New is the registry factory
func New(cfg config.Cluster, env cluster.Env) (cluster.Cluster, error) {
	var opts Options
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, err
	}
	if opts.AccessKeyID == "" || opts.SecretAccessKey == "" {
		return nil, fmt.Errorf("access_key_id and secret_access_key are required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	awsConfig := aws.NewConfig().
		WithCredentials(credentials.NewStaticCredentials(opts.AccessKeyID, opts.SecretAccessKey, "")).
		WithRegion(opts.Region).
		WithHTTPClient(&http.Client{Timeout: opts.Timeout}).
		WithMaxRetries(2)
	endpoint := opts.Endpoint
	if endpoint == "" && cfg.CloudType != "AmazonEC2" {
		endpoint = cfg.Host
	}
	if endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(endpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ec2 session: %w", err)
	}
	return NewWithClient(cfg, opts, ec2.New(sess), env), nil
}

// NewWithClient builds the driver around an existing client
func NewWithClient(cfg config.Cluster, opts Options, client ec2iface.EC2API, env cluster.Env) *Cluster {
	if len(opts.SecurityGroups) == 0 {
		opts.SecurityGroups = []string{"default"}
	}
	return &Cluster{
		Base:   cluster.NewBase(cfg),
		opts:   opts,
		client: client,
		env:    env,
		logger: env.Logger,
		now:    time.Now,
	}
}

// Create runs one instance, or opens a spot request when the job set a
// maximum price on Amazon
func (c *Cluster) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	if err := cluster.Precheck(c.Base, req); err != nil {
		return nil, err
	}
	image := req.ImageFor(c.Base, c.env.DefaultImage)
	if image == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no image id for this cloud"))
	}
	fallback := c.opts.InstanceType
	if fallback == "" {
		fallback = DefaultInstanceType
	}
	instanceType := req.InstanceTypeFor(c.Base, c.env.DefaultInstanceType, fallback)
	userData := base64.StdEncoding.EncodeToString([]byte(req.Customization))

	var id, spotID string
	if req.MaxPrice > 0 && c.CloudType() == "AmazonEC2" {
		out, err := c.client.RequestSpotInstancesWithContext(ctx, &ec2.RequestSpotInstancesInput{
			SpotPrice:     aws.String(strconv.FormatFloat(req.MaxPrice, 'f', -1, 64)),
			InstanceCount: aws.Int64(1),
			LaunchSpecification: &ec2.RequestSpotLaunchSpecification{
				ImageId:        aws.String(image),
				InstanceType:   aws.String(instanceType),
				KeyName:        c.keyName(),
				SecurityGroups: aws.StringSlice(c.opts.SecurityGroups),
				UserData:       aws.String(userData),
				Placement:      c.spotPlacement(),
			},
		})
		if err != nil {
			return nil, c.createError(err)
		}
		if len(out.SpotInstanceRequests) == 0 {
			return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("empty spot request response"))
		}
		spotID = aws.StringValue(out.SpotInstanceRequests[0].SpotInstanceRequestId)
	} else {
		input := &ec2.RunInstancesInput{
			ImageId:        aws.String(image),
			InstanceType:   aws.String(instanceType),
			MinCount:       aws.Int64(1),
			MaxCount:       aws.Int64(1),
			KeyName:        c.keyName(),
			SecurityGroups: aws.StringSlice(c.opts.SecurityGroups),
			UserData:       aws.String(userData),
			Placement:      c.placement(),
			TagSpecifications: []*ec2.TagSpecification{{
				ResourceType: aws.String(ec2.ResourceTypeInstance),
				Tags: []*ec2.Tag{
					{Key: aws.String("Name"), Value: aws.String(req.Name)},
					{Key: aws.String("cloudscheduler-user"), Value: aws.String(req.User)},
				},
			}},
		}
		if c.opts.SubnetID != "" {
			input.SubnetId = aws.String(c.opts.SubnetID)
			input.SecurityGroups = nil
			input.SecurityGroupIds = aws.StringSlice(c.opts.SecurityGroups)
		}
		rsv, err := c.client.RunInstancesWithContext(ctx, input)
		if err != nil {
			return nil, c.createError(err)
		}
		if len(rsv.Instances) == 0 {
			return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("empty reservation"))
		}
		id = aws.StringValue(rsv.Instances[0].InstanceId)
	}

	vm := cluster.NewVM(c.Base, req, id, image, c.now())
	vm.SpotID = spotID
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_name", vm.Name).Str("vm_id", id).Str("spot_id", spotID).Str("image", image).Msg("Instance requested")
	return vm, nil
}

func (c *Cluster) keyName() *string {
	if c.opts.KeyName == "" {
		return nil
	}
	return aws.String(c.opts.KeyName)
}

func (c *Cluster) placement() *ec2.Placement {
	if c.opts.PlacementZone == "" {
		return nil
	}
	return &ec2.Placement{AvailabilityZone: aws.String(c.opts.PlacementZone)}
}

func (c *Cluster) spotPlacement() *ec2.SpotPlacement {
	if c.opts.PlacementZone == "" {
		return nil
	}
	return &ec2.SpotPlacement{AvailabilityZone: aws.String(c.opts.PlacementZone)}
}

// Poll resolves a pending spot request first, then describes the instance
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id, spotID string
	c.ReadVM(vm, func(v *types.VM) { id, spotID = v.ID, v.SpotID })

	if id == "" && spotID != "" {
		out, err := c.client.DescribeSpotInstanceRequestsWithContext(ctx, &ec2.DescribeSpotInstanceRequestsInput{
			SpotInstanceRequestIds: []*string{aws.String(spotID)},
		})
		if err != nil {
			return c.pollError(vm, err)
		}
		if len(out.SpotInstanceRequests) == 0 || out.SpotInstanceRequests[0].InstanceId == nil {
			return cluster.Observe(c.Base, vm, types.VMStatusStarting, c.now(), nil), nil
		}
		id = aws.StringValue(out.SpotInstanceRequests[0].InstanceId)
		c.UpdateVM(vm, func(v *types.VM) { v.ID = id })
	}
	if id == "" {
		return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
	}

	out, err := c.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		return c.pollError(vm, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
	}
	inst := out.Reservations[0].Instances[0]

	state := ""
	if inst.State != nil {
		state = aws.StringValue(inst.State.Name)
	}
	status := states.Map(state, types.VMStatusStarting)
	return cluster.Observe(c.Base, vm, status, c.now(), func(v *types.VM) {
		v.Hostname = c.hostname(inst)
		if ip := aws.StringValue(inst.PublicIpAddress); ip != "" {
			v.IPAddress = ip
		} else {
			v.IPAddress = aws.StringValue(inst.PrivateIpAddress)
		}
	}), nil
}

func (c *Cluster) hostname(inst *ec2.Instance) string {
	name := aws.StringValue(inst.PublicDnsName)
	if name == "" {
		name = aws.StringValue(inst.PrivateDnsName)
	}
	if name != "" && c.CloudType() == "OpenStack" {
		name += c.opts.VMDomainName
	}
	return name
}

// Destroy cancels the spot request and terminates the instance. Instances
// EC2 no longer knows count as destroyed.
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id, spotID string
	c.ReadVM(vm, func(v *types.VM) { id, spotID = v.ID, v.SpotID })

	if spotID != "" {
		_, err := c.client.CancelSpotInstanceRequestsWithContext(ctx, &ec2.CancelSpotInstanceRequestsInput{
			SpotInstanceRequestIds: []*string{aws.String(spotID)},
		})
		if err != nil && !instanceGone(err) {
			return fmt.Errorf("failed to cancel spot request %s: %w", spotID, err)
		}
	}
	if id != "" {
		_, err := c.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []*string{aws.String(id)},
		})
		switch {
		case err == nil:
		case instanceGone(err):
			c.logger.Warn().Str("vm_id", id).Msg("Instance already gone, removing anyway")
		default:
			return fmt.Errorf("failed to terminate %s: %w", id, err)
		}
	}

	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("Instance destroyed")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

func (c *Cluster) pollError(vm *types.VM, err error) (types.VMStatus, error) {
	if instanceGone(err) {
		return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
	}
	o := cluster.TransportOverride(err)
	if code := errorCode(err); code == "AuthFailure" || code == "UnauthorizedOperation" {
		o = types.OverrideNotAuthorized
	}
	status := cluster.PollFailed(c.Base, vm, o, c.now())
	return status, fmt.Errorf("failed to poll: %w", err)
}

func (c *Cluster) createError(err error) error {
	switch errorCode(err) {
	case "RequestLimitExceeded", "Throttling":
		err = &cluster.RateLimitError{Err: err, EarliestRetry: c.now().Add(30 * time.Second)}
		return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	case "InstanceLimitExceeded", "InsufficientInstanceCapacity", "MaxSpotInstanceCountExceeded":
		return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
	case "AuthFailure", "UnauthorizedOperation", "Blocked":
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

func errorCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}

func instanceGone(err error) bool {
	switch errorCode(err) {
	case "InvalidInstanceID.NotFound", "InstanceNotFound", "InvalidSpotInstanceRequestID.NotFound":
		return true
	}
	var rf awserr.RequestFailure
	return errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound
}
