// Package ec2 implements the engine.Engine interface using AWS EC2 to
// host GitHub Actions runners as virtual machines.
//
// Authentication uses the default AWS credential chain (environment,
// shared credentials file, or instance profile) -- no credential fields
// exist in Config.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/engine"
)

// Error codes returned by the EC2 API that we treat specially.
const (
	errCodeInstanceNotFound    = "InvalidInstanceID.NotFound"
	errCodePermissionDuplicate = "InvalidPermission.Duplicate"

	// fallbackRootDevice is used when the AMI metadata does not expose
	// an EBS root device mapping.
	fallbackRootDevice = "/dev/xvda"
)

// defaultStates are the instance states considered "live" when a List
// filter does not name any.
var defaultStates = []string{"running", "pending", "stopping", "stopped"}

// Config holds EC2-specific engine settings.
type Config struct {
	// Region is the AWS region for runner instances (required).
	Region string

	// VPCID is the VPC in which instances are launched (required).
	VPCID string

	// SubnetID is the subnet for the primary network interface (required).
	SubnetID string

	// SecurityGroupID is an existing security group to attach.  When
	// empty, EnsureNetwork creates (or finds) a group named
	// SecurityGroupName in the VPC.
	SecurityGroupID string

	// SecurityGroupName is the name of the managed security group used
	// when SecurityGroupID is empty.
	SecurityGroupName string

	// SecurityGroupDescription describes the managed security group on
	// creation.
	SecurityGroupDescription string
}

// api is the subset of the EC2 client the engine uses.  Narrowing the
// surface keeps the engine testable without a real AWS endpoint.
type api interface {
	RunInstancesWithContext(ctx aws.Context, input *awsec2.RunInstancesInput, opts ...request.Option) (*awsec2.Reservation, error)
	DescribeInstancesWithContext(ctx aws.Context, input *awsec2.DescribeInstancesInput, opts ...request.Option) (*awsec2.DescribeInstancesOutput, error)
	DescribeImagesWithContext(ctx aws.Context, input *awsec2.DescribeImagesInput, opts ...request.Option) (*awsec2.DescribeImagesOutput, error)
	TerminateInstancesWithContext(ctx aws.Context, input *awsec2.TerminateInstancesInput, opts ...request.Option) (*awsec2.TerminateInstancesOutput, error)
	DescribeSecurityGroupsWithContext(ctx aws.Context, input *awsec2.DescribeSecurityGroupsInput, opts ...request.Option) (*awsec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroupWithContext(ctx aws.Context, input *awsec2.CreateSecurityGroupInput, opts ...request.Option) (*awsec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngressWithContext(ctx aws.Context, input *awsec2.AuthorizeSecurityGroupIngressInput, opts ...request.Option) (*awsec2.AuthorizeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupEgressWithContext(ctx aws.Context, input *awsec2.AuthorizeSecurityGroupEgressInput, opts ...request.Option) (*awsec2.AuthorizeSecurityGroupEgressOutput, error)
}

// Engine manages GitHub Actions runner instances on EC2.
type Engine struct {
	client api
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	securityGroupID string

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine using the default AWS credential chain.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("ec2 engine: region is required")
	}

	sess, err := session.NewSession(aws.NewConfig().WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}

	logger.Info("ec2 engine initialized",
		slog.String("region", cfg.Region),
		slog.String("vpc", cfg.VPCID),
		slog.String("subnet", cfg.SubnetID),
	)

	return &Engine{
		client:          awsec2.New(sess),
		cfg:             cfg,
		logger:          logger,
		securityGroupID: cfg.SecurityGroupID,
		tracer:          otel.Tracer("runnerfleet/engine/ec2"),
	}, nil
}

// newWithClient is the test seam.
func newWithClient(client api, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client:          client,
		cfg:             cfg,
		logger:          logger,
		securityGroupID: cfg.SecurityGroupID,
		tracer:          otel.Tracer("runnerfleet/engine/ec2"),
	}
}

// EnsureNetwork resolves the security group for runner instances,
// creating it when it does not exist yet.  A pre-configured
// SecurityGroupID short-circuits the lookup.
func (e *Engine) EnsureNetwork(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.EnsureNetwork")
	defer span.End()

	e.mu.Lock()
	existing := e.securityGroupID
	e.mu.Unlock()
	if existing != "" {
		span.SetAttributes(attribute.String("aws.security_group", existing))
		return nil
	}

	out, err := e.client.DescribeSecurityGroupsWithContext(ctx, &awsec2.DescribeSecurityGroupsInput{
		Filters: []*awsec2.Filter{
			{Name: aws.String("group-name"), Values: []*string{aws.String(e.cfg.SecurityGroupName)}},
			{Name: aws.String("vpc-id"), Values: []*string{aws.String(e.cfg.VPCID)}},
		},
	})
	if err != nil {
		return fmt.Errorf("describe security groups: %w", err)
	}
	if len(out.SecurityGroups) > 0 {
		id := aws.StringValue(out.SecurityGroups[0].GroupId)
		e.setSecurityGroup(id)
		span.SetAttributes(attribute.String("aws.security_group", id))
		e.logger.Info("using existing security group", slog.String("id", id))
		return nil
	}

	created, err := e.client.CreateSecurityGroupWithContext(ctx, &awsec2.CreateSecurityGroupInput{
		GroupName:   aws.String(e.cfg.SecurityGroupName),
		Description: aws.String(e.cfg.SecurityGroupDescription),
		VpcId:       aws.String(e.cfg.VPCID),
	})
	if err != nil {
		return fmt.Errorf("create security group %s: %w", e.cfg.SecurityGroupName, err)
	}
	id := aws.StringValue(created.GroupId)

	if err := e.authorizeRules(ctx, id); err != nil {
		return err
	}

	e.setSecurityGroup(id)
	span.SetAttributes(attribute.String("aws.security_group", id))
	e.logger.Info("created security group", slog.String("id", id))
	return nil
}

// authorizeRules opens the inbound ports runners need (SSH, ICMP,
// HTTP, HTTPS) and all outbound traffic.  A duplicate egress rule is
// not an error: VPC security groups ship with an allow-all egress rule.
func (e *Engine) authorizeRules(ctx context.Context, groupID string) error {
	anywhere := []*awsec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}

	ingress := []*awsec2.IpPermission{
		{IpProtocol: aws.String("tcp"), FromPort: aws.Int64(22), ToPort: aws.Int64(22), IpRanges: anywhere},
		{IpProtocol: aws.String("icmp"), FromPort: aws.Int64(-1), ToPort: aws.Int64(-1), IpRanges: anywhere},
		{IpProtocol: aws.String("tcp"), FromPort: aws.Int64(80), ToPort: aws.Int64(80), IpRanges: anywhere},
		{IpProtocol: aws.String("tcp"), FromPort: aws.Int64(443), ToPort: aws.Int64(443), IpRanges: anywhere},
	}

	if _, err := e.client.AuthorizeSecurityGroupIngressWithContext(ctx, &awsec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: ingress,
	}); err != nil {
		return fmt.Errorf("authorize ingress on %s: %w", groupID, err)
	}

	egress := []*awsec2.IpPermission{
		{IpProtocol: aws.String("-1"), IpRanges: anywhere},
	}
	if _, err := e.client.AuthorizeSecurityGroupEgressWithContext(ctx, &awsec2.AuthorizeSecurityGroupEgressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: egress,
	}); err != nil && !isAWSError(err, errCodePermissionDuplicate) {
		return fmt.Errorf("authorize egress on %s: %w", groupID, err)
	}

	return nil
}

// Launch creates and starts one runner instance.  The rendered user
// data boots the runner bootstrap on first start.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (engine.Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Launch")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("aws.instance_type", spec.InstanceType),
		attribute.String("aws.ami", spec.ImageID),
	)

	rootDevice, err := e.rootDeviceName(ctx, spec.ImageID)
	if err != nil {
		return engine.Instance{}, err
	}

	tags := make([]*awsec2.Tag, 0, len(spec.Tags)+1)
	tags = append(tags, &awsec2.Tag{Key: aws.String("Name"), Value: aws.String(spec.Name)})
	for k, v := range spec.Tags {
		if k == "Name" {
			continue
		}
		tags = append(tags, &awsec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	input := &awsec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: aws.String(spec.InstanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		SubnetId:     aws.String(e.cfg.SubnetID),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		BlockDeviceMappings: []*awsec2.BlockDeviceMapping{
			{
				DeviceName: aws.String(rootDevice),
				Ebs: &awsec2.EbsBlockDevice{
					VolumeSize:          aws.Int64(spec.DiskSizeGB),
					VolumeType:          aws.String("gp3"),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
		TagSpecifications: []*awsec2.TagSpecification{
			{
				ResourceType: aws.String("instance"),
				Tags:         tags,
			},
		},
	}

	e.mu.Lock()
	if e.securityGroupID != "" {
		input.SecurityGroupIds = []*string{aws.String(e.securityGroupID)}
	}
	e.mu.Unlock()

	e.logger.Info("launching runner instance",
		slog.String("name", spec.Name),
		slog.String("type", spec.InstanceType),
		slog.String("ami", spec.ImageID),
		slog.Int64("diskGB", spec.DiskSizeGB),
	)

	reservation, err := e.client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return engine.Instance{}, fmt.Errorf("run instances %s: %w", spec.Name, err)
	}
	if len(reservation.Instances) == 0 {
		return engine.Instance{}, fmt.Errorf("run instances %s: empty reservation", spec.Name)
	}

	inst := toInstance(reservation.Instances[0])
	span.SetAttributes(attribute.String("aws.instance_id", inst.ID))

	e.logger.Info("runner instance launched",
		slog.String("name", spec.Name),
		slog.String("instanceID", inst.ID),
	)

	return inst, nil
}

// List returns instances matching the filter's tags and states.
func (e *Engine) List(ctx context.Context, f engine.Filter) ([]engine.Instance, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.List")
	defer span.End()

	states := f.States
	if len(states) == 0 {
		states = defaultStates
	}

	filters := []*awsec2.Filter{
		{Name: aws.String("instance-state-name"), Values: aws.StringSlice(states)},
	}
	for k, v := range f.Tags {
		filters = append(filters, &awsec2.Filter{
			Name:   aws.String("tag:" + k),
			Values: []*string{aws.String(v)},
		})
	}

	out, err := e.client.DescribeInstancesWithContext(ctx, &awsec2.DescribeInstancesInput{
		Filters: filters,
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var instances []engine.Instance
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			instances = append(instances, toInstance(inst))
		}
	}

	span.SetAttributes(attribute.Int("aws.instance_count", len(instances)))
	return instances, nil
}

// Terminate permanently terminates the instance identified by id.
// It is idempotent -- terminating an unknown instance is not an error.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Terminate")
	defer span.End()

	span.SetAttributes(attribute.String("aws.instance_id", id))
	e.logger.Info("terminating runner instance", slog.String("instanceID", id))

	_, err := e.client.TerminateInstancesWithContext(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(id)},
	})
	if err != nil {
		if isAWSError(err, errCodeInstanceNotFound) {
			span.AddEvent("instance already terminated (idempotent)")
			e.logger.Info("runner instance already gone", slog.String("instanceID", id))
			return nil
		}
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}

	e.logger.Info("runner instance terminated", slog.String("instanceID", id))
	return nil
}

// Close is a no-op for the EC2 client; the session holds no
// connections that outlive requests.
func (e *Engine) Close() error { return nil }

// rootDeviceName resolves the root EBS device of the AMI so the disk
// size override attaches to the correct mapping.
func (e *Engine) rootDeviceName(ctx context.Context, amiID string) (string, error) {
	out, err := e.client.DescribeImagesWithContext(ctx, &awsec2.DescribeImagesInput{
		ImageIds: []*string{aws.String(amiID)},
	})
	if err != nil {
		return "", fmt.Errorf("describe image %s: %w", amiID, err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("ami %s not found", amiID)
	}

	for _, mapping := range out.Images[0].BlockDeviceMappings {
		if mapping.Ebs != nil {
			return aws.StringValue(mapping.DeviceName), nil
		}
	}
	return fallbackRootDevice, nil
}

func (e *Engine) setSecurityGroup(id string) {
	e.mu.Lock()
	e.securityGroupID = id
	e.mu.Unlock()
}

// toInstance converts the EC2 API shape into the backend-neutral view.
func toInstance(inst *awsec2.Instance) engine.Instance {
	out := engine.Instance{
		ID:       aws.StringValue(inst.InstanceId),
		Type:     aws.StringValue(inst.InstanceType),
		PublicIP: aws.StringValue(inst.PublicIpAddress),
		Tags:     make(map[string]string, len(inst.Tags)),
	}
	if inst.State != nil {
		out.State = aws.StringValue(inst.State.Name)
	}
	if inst.LaunchTime != nil {
		out.LaunchTime = aws.TimeValue(inst.LaunchTime)
	}
	for _, tag := range inst.Tags {
		out.Tags[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
	}
	out.Name = out.Tags["Name"]
	return out
}

// isAWSError reports whether err carries the given AWS error code.
func isAWSError(err error, code string) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == code
	}
	return false
}
