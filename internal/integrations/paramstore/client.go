package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// RefPrefix marks a configuration value that names an SSM parameter instead
// of holding the value itself, e.g. "ssm:/restaurant-agent/postgres-dsn".
const RefPrefix = "ssm:"

// GetParameters accepts at most ten names per call.
const batchLimit = 10

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (e.g. the OpenAI client) should depend on this interface rather
// than the concrete *Client so they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetParameters fetches several decrypted parameters, keyed by name. Any
// name SSM does not know fails the whole call.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	unique := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.New("paramstore: name is required")
		}
		if !seen[n] {
			seen[n] = true
			unique = append(unique, n)
		}
	}

	values := make(map[string]string, len(unique))
	for start := 0; start < len(unique); start += batchLimit {
		batch := unique[start:min(start+batchLimit, len(unique))]
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if len(out.InvalidParameters) > 0 {
			return nil, fmt.Errorf("paramstore: unknown parameters %s", strings.Join(out.InvalidParameters, ", "))
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				return nil, errors.New("paramstore: parameter missing value")
			}
			values[*p.Name] = *p.Value
		}
	}
	for _, n := range unique {
		if _, ok := values[n]; !ok {
			return nil, fmt.Errorf("paramstore: parameter %q missing from response", n)
		}
	}
	return values, nil
}

// ResolveRefs replaces every field holding an "ssm:" reference with the
// parameter's value, using one batched lookup. Other fields are untouched.
func (c *Client) ResolveRefs(ctx context.Context, fields ...*string) error {
	var names []string
	for _, f := range fields {
		if f != nil && strings.HasPrefix(*f, RefPrefix) {
			names = append(names, strings.TrimPrefix(*f, RefPrefix))
		}
	}
	if len(names) == 0 {
		return nil
	}
	values, err := c.GetParameters(ctx, names...)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f != nil && strings.HasPrefix(*f, RefPrefix) {
			*f = values[strings.TrimSpace(strings.TrimPrefix(*f, RefPrefix))]
		}
	}
	return nil
}
