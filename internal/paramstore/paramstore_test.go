// ABOUTME: Tests for the SSM parameter client
// ABOUTME: A fake SSM API stands in for AWS

package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	values map[string]string
	err    error
	calls  int
	last   *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func TestGetParameter(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/reciprocity/jwt": "s3cret"}}
	c, err := New(api)
	require.NoError(t, err)

	v, err := c.GetParameter(context.Background(), " /reciprocity/jwt ")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)
	assert.True(t, aws.ToBool(api.last.WithDecryption))

	_, err = c.GetParameter(context.Background(), "/reciprocity/jwt")
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls, "second read is cached")
}

func TestGetParameter_Errors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = (&Client{}).GetParameter(context.Background(), "p")
	assert.ErrorContains(t, err, "not initialized")

	c, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "  ")
	assert.ErrorContains(t, err, "required")

	_, err = c.GetParameter(context.Background(), "/missing")
	assert.ErrorContains(t, err, "missing value")

	c, err = New(&fakeAPI{err: errors.New("boom")})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "/p")
	assert.ErrorContains(t, err, "boom")
}
