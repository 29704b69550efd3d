package compute

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
)

type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

type fakeEC2 struct {
	runIn       *ec2.RunInstancesInput
	runErr      error
	instances   []types.Instance
	describeErr error
	terminated  []string
	termErr     error
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runIn = in
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{ReservationId: aws.String("r-0123")}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if len(f.instances) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		ReservationId: aws.String(in.Filters[0].Values[0]),
		Instances:     f.instances,
	}}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, f.termErr
}

func inst(id string, index int32, state types.InstanceStateName, tags ...string) types.Instance {
	i := types.Instance{
		InstanceId:     aws.String(id),
		AmiLaunchIndex: aws.Int32(index),
		State:          &types.InstanceState{Name: state},
	}
	for j := 0; j+1 < len(tags); j += 2 {
		i.Tags = append(i.Tags, types.Tag{Key: aws.String(tags[j]), Value: aws.String(tags[j+1])})
	}
	return i
}

func testSpec() LaunchSpec {
	return LaunchSpec{
		Name:            "alice-report",
		Size:            3,
		InstanceProfile: "telemetry-spark-cloudformation",
		IdempotencyKey:  "job-1/1767225600/1",
		Payload:         jobs.Location{Bucket: "code", Key: "jobs/alice-report/report.ipynb"},
		NotebookName:    "report.ipynb",
		Output:          jobs.Location{Bucket: "scratch", Key: "runs/r1/report.ipynb"},
		Tags:            map[string]string{"atmo:run": "r1"},
	}
}

func TestEC2Launch(t *testing.T) {
	f := &fakeEC2{}
	p := newEC2WithClient(f, EC2Config{ImageID: "ami-1", AppTag: "telemetry-analysis-worker-instance", SubnetID: "subnet-1"})

	ref, err := p.Launch(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "r-0123", ref)

	in := f.runIn
	require.NotNil(t, in)
	assert.Equal(t, int32(3), aws.ToInt32(in.MinCount))
	assert.Equal(t, int32(3), aws.ToInt32(in.MaxCount))
	assert.Equal(t, types.InstanceType(DefaultInstanceType), in.InstanceType)
	assert.Equal(t, "telemetry-spark-cloudformation", aws.ToString(in.IamInstanceProfile.Name))
	assert.Equal(t, ClientToken("job-1/1767225600/1"), aws.ToString(in.ClientToken))
	assert.Len(t, aws.ToString(in.ClientToken), 64)
	assert.Equal(t, types.ShutdownBehaviorTerminate, in.InstanceInitiatedShutdownBehavior)
	assert.Equal(t, "subnet-1", aws.ToString(in.SubnetId))

	tags := map[string]string{}
	for _, tg := range in.TagSpecifications[0].Tags {
		tags[aws.ToString(tg.Key)] = aws.ToString(tg.Value)
	}
	assert.Equal(t, map[string]string{
		"App":      "telemetry-analysis-worker-instance",
		"Name":     "alice-report",
		"atmo:run": "r1",
	}, tags)

	script, err := base64.StdEncoding.DecodeString(aws.ToString(in.UserData))
	require.NoError(t, err)
	assert.Contains(t, string(script), "aws s3 cp 's3://code/jobs/alice-report/report.ipynb'")
	assert.Contains(t, string(script), "'s3://scratch/runs/r1/report.ipynb'")
	assert.Contains(t, string(script), "Key=atmo:exit-status")
}

func TestEC2LaunchErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		want      error
		retryable bool
	}{
		{"capacity", "InsufficientInstanceCapacity", ErrCapacityExhausted, true},
		{"instance limit", "InstanceLimitExceeded", ErrCapacityExhausted, true},
		{"vcpu limit", "VcpuLimitExceeded", ErrCapacityExhausted, true},
		{"throttled", "RequestLimitExceeded", ErrThrottled, true},
		{"unavailable", "Unavailable", ErrUnavailable, true},
		{"unauthorized", "UnauthorizedOperation", ErrAccessDenied, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEC2{runErr: &mockAPIError{code: tt.code, message: "nope"}}
			p := newEC2WithClient(f, EC2Config{ImageID: "ami-1"})

			_, err := p.Launch(context.Background(), testSpec())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, Retryable(err))

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
		})
	}

	t.Run("unknown code is permanent", func(t *testing.T) {
		f := &fakeEC2{runErr: &mockAPIError{code: "InvalidAMIID.Malformed"}}
		_, err := newEC2WithClient(f, EC2Config{ImageID: "ami-1"}).Launch(context.Background(), testSpec())
		require.Error(t, err)
		assert.False(t, Retryable(err))
	})

	t.Run("zero size", func(t *testing.T) {
		spec := testSpec()
		spec.Size = 0
		_, err := newEC2WithClient(&fakeEC2{}, EC2Config{ImageID: "ami-1"}).Launch(context.Background(), spec)
		assert.ErrorContains(t, err, "invalid cluster size")
	})
}

func TestEC2Status(t *testing.T) {
	tests := []struct {
		name      string
		instances []types.Instance
		want      State
	}{
		{"gone", nil, StateUnknown},
		{"pending", []types.Instance{
			inst("i-1", 0, types.InstanceStateNameRunning),
			inst("i-2", 1, types.InstanceStateNamePending),
		}, StateProvisioning},
		{"running", []types.Instance{
			inst("i-1", 0, types.InstanceStateNameRunning),
			inst("i-2", 1, types.InstanceStateNameRunning),
		}, StateRunning},
		{"succeeded", []types.Instance{
			inst("i-1", 0, types.InstanceStateNameTerminated, ExitStatusTag, "0"),
			inst("i-2", 1, types.InstanceStateNameRunning),
		}, StateSucceeded},
		{"failed exit", []types.Instance{
			inst("i-1", 0, types.InstanceStateNameShuttingDown, ExitStatusTag, "2"),
		}, StateFailed},
		{"crashed", []types.Instance{
			inst("i-1", 0, types.InstanceStateNameTerminated),
		}, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newEC2WithClient(&fakeEC2{instances: tt.instances}, EC2Config{ImageID: "ami-1"})
			st, err := p.Status(context.Background(), "r-0123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.State)
		})
	}

	t.Run("outage", func(t *testing.T) {
		p := newEC2WithClient(&fakeEC2{describeErr: &mockAPIError{code: "Unavailable"}}, EC2Config{ImageID: "ami-1"})
		_, err := p.Status(context.Background(), "r-0123")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestEC2TerminateIsIdempotent(t *testing.T) {
	f := &fakeEC2{instances: []types.Instance{
		inst("i-1", 0, types.InstanceStateNameTerminated),
		inst("i-2", 1, types.InstanceStateNameRunning),
	}}
	p := newEC2WithClient(f, EC2Config{ImageID: "ami-1"})
	require.NoError(t, p.Terminate(context.Background(), "r-0123"))
	assert.Equal(t, []string{"i-2"}, f.terminated)

	// Nothing left to terminate.
	f.instances = []types.Instance{inst("i-1", 0, types.InstanceStateNameTerminated)}
	f.terminated = nil
	require.NoError(t, p.Terminate(context.Background(), "r-0123"))
	assert.Empty(t, f.terminated)

	// Unknown instance ids are not an error.
	f.instances = []types.Instance{inst("i-3", 0, types.InstanceStateNameRunning)}
	f.termErr = &mockAPIError{code: "InvalidInstanceID.NotFound"}
	require.NoError(t, p.Terminate(context.Background(), "r-0123"))
}
