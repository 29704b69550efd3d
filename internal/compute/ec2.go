package compute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/g-k/telemetry-analysis-service/internal/awsconf"
)

// DefaultInstanceType matches the worker size used for analysis clusters.
const DefaultInstanceType = "c3.4xlarge"

// EC2Config configures the EC2 provisioner.
type EC2Config struct {
	AWS              awsconf.Config
	ImageID          string
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string
	// AppTag is the value of the "App" tag on every launched instance.
	AppTag string
}

// ec2API is the subset of *ec2.Client used here.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2 provisions a cluster as one RunInstances reservation. The reservation
// id is the cluster ref.
type EC2 struct {
	client ec2API
	cfg    EC2Config
}

var _ Provisioner = (*EC2)(nil)

func NewEC2(ctx context.Context, cfg EC2Config) (*EC2, error) {
	if strings.TrimSpace(cfg.ImageID) == "" {
		return nil, errors.New("compute: image_id is required for the ec2 driver")
	}
	awsCfg, err := awsconf.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, &ProviderError{Op: "New", Err: err}
	}
	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	return newEC2WithClient(client, cfg), nil
}

func newEC2WithClient(client ec2API, cfg EC2Config) *EC2 {
	if cfg.InstanceType == "" {
		cfg.InstanceType = DefaultInstanceType
	}
	return &EC2{client: client, cfg: cfg}
}

// ClientToken derives the EC2 idempotency token (at most 64 ASCII chars).
func ClientToken(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (p *EC2) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	if spec.Size < 1 {
		return "", &ProviderError{Op: "Launch", Err: fmt.Errorf("invalid cluster size %d", spec.Size)}
	}
	userData, err := UserData(spec)
	if err != nil {
		return "", &ProviderError{Op: "Launch", Err: err}
	}

	in := &ec2.RunInstancesInput{
		ImageId:                           aws.String(p.cfg.ImageID),
		InstanceType:                      types.InstanceType(p.cfg.InstanceType),
		MinCount:                          aws.Int32(int32(spec.Size)),
		MaxCount:                          aws.Int32(int32(spec.Size)),
		ClientToken:                       aws.String(ClientToken(spec.IdempotencyKey)),
		UserData:                          aws.String(userData),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         p.tags(spec),
		}},
	}
	if spec.InstanceProfile != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(spec.InstanceProfile)}
	}
	if p.cfg.SubnetID != "" {
		in.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}
	if p.cfg.KeyName != "" {
		in.KeyName = aws.String(p.cfg.KeyName)
	}

	out, err := p.client.RunInstances(ctx, in)
	if err != nil {
		return "", wrapError("Launch", "", err)
	}
	ref := aws.ToString(out.ReservationId)
	if ref == "" {
		return "", &ProviderError{Op: "Launch", Err: errors.New("empty reservation id")}
	}
	return ref, nil
}

func (p *EC2) tags(spec LaunchSpec) []types.Tag {
	m := map[string]string{"Name": spec.Name}
	if p.cfg.AppTag != "" {
		m["App"] = p.cfg.AppTag
	}
	for k, v := range spec.Tags {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}

func (p *EC2) instances(ctx context.Context, ref string) ([]types.Instance, error) {
	pager := ec2.NewDescribeInstancesPaginator(p.client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{Name: aws.String("reservation-id"), Values: []string{ref}}},
	})
	var out []types.Instance
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError("Describe", ref, err)
		}
		for _, r := range page.Reservations {
			out = append(out, r.Instances...)
		}
	}
	return out, nil
}

// Status folds the instance states of the reservation:
//   - any instance pending: provisioning
//   - leader terminated with exit-status 0: succeeded
//   - leader terminated with another or no exit-status: failed
//   - otherwise: running
//
// A reservation EC2 no longer reports is unknown.
func (p *EC2) Status(ctx context.Context, ref string) (Status, error) {
	insts, err := p.instances(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrClusterNotFound) {
			return Status{State: StateUnknown}, nil
		}
		return Status{}, err
	}
	if len(insts) == 0 {
		return Status{State: StateUnknown}, nil
	}

	var leader *types.Instance
	for i := range insts {
		if aws.ToInt32(insts[i].AmiLaunchIndex) == 0 {
			leader = &insts[i]
		}
		if stateOf(insts[i]) == types.InstanceStateNamePending {
			return Status{State: StateProvisioning}, nil
		}
	}
	if leader == nil {
		return Status{State: StateUnknown, Detail: "leader instance missing"}, nil
	}

	switch stateOf(*leader) {
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated,
		types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		code, ok := tagValue(leader.Tags, ExitStatusTag)
		switch {
		case ok && code == "0":
			return Status{State: StateSucceeded, Detail: "exit status 0"}, nil
		case ok:
			return Status{State: StateFailed, Detail: "exit status " + code}, nil
		default:
			reason := "instance stopped before reporting an exit status"
			if leader.StateReason != nil && leader.StateReason.Message != nil {
				reason = *leader.StateReason.Message
			}
			return Status{State: StateFailed, Detail: reason}, nil
		}
	default:
		return Status{State: StateRunning}, nil
	}
}

func (p *EC2) Terminate(ctx context.Context, ref string) error {
	insts, err := p.instances(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrClusterNotFound) {
			return nil
		}
		return err
	}
	var ids []string
	for _, inst := range insts {
		if stateOf(inst) != types.InstanceStateNameTerminated {
			ids = append(ids, aws.ToString(inst.InstanceId))
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		werr := wrapError("Terminate", ref, err)
		if errors.Is(werr, ErrClusterNotFound) {
			return nil
		}
		return werr
	}
	return nil
}

func stateOf(inst types.Instance) types.InstanceStateName {
	if inst.State == nil {
		return ""
	}
	return inst.State.Name
}

func tagValue(tags []types.Tag, key string) (string, bool) {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value), true
		}
	}
	return "", false
}

// wrapError classifies EC2 API failures into the package sentinels.
func wrapError(op, ref string, err error) error {
	wrapped := &ProviderError{Op: op, Ref: ref, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		wrapped.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return wrapped
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	code := apiErr.ErrorCode()
	wrapped.Code = code
	switch {
	case code == "InsufficientInstanceCapacity", code == "InstanceLimitExceeded",
		code == "VcpuLimitExceeded", code == "InsufficientFreeAddressesInSubnet":
		wrapped.Err = fmt.Errorf("%w: %s", ErrCapacityExhausted, apiErr.ErrorMessage())
	case code == "RequestLimitExceeded", code == "Throttling":
		wrapped.Err = fmt.Errorf("%w: %s", ErrThrottled, apiErr.ErrorMessage())
	case strings.HasSuffix(code, ".NotFound"):
		wrapped.Err = fmt.Errorf("%w: %s", ErrClusterNotFound, apiErr.ErrorMessage())
	case code == "Unavailable", code == "ServiceUnavailable", code == "InternalError":
		wrapped.Err = fmt.Errorf("%w: %s", ErrUnavailable, apiErr.ErrorMessage())
	case code == "UnauthorizedOperation", code == "AuthFailure":
		wrapped.Err = fmt.Errorf("%w: %s", ErrAccessDenied, apiErr.ErrorMessage())
	}
	return wrapped
}
