// Package awssecrets persists the credential record in AWS Secrets Manager.
//
// It targets operators that run the admin client from cloud jobs, where no
// Redis is available but an IAM role can read and write one secret. The
// secret holds the binary record produced by session.Encode; a logout
// overwrites it with a tombstone instead of deleting the secret, because a
// force-deleted name cannot be recreated immediately.
package awssecrets

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	"github.com/MrEthical07/goAuthClient/session"
)

// tombstoneVersion never collides with session record versions (which start at 1).
const tombstoneVersion byte = 0

// ErrUnavailable wraps Secrets Manager failures.
var ErrUnavailable = errors.New("secrets manager unavailable")

// API is the subset of the Secrets Manager client the persister uses.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// Options configures [New].
type Options struct {
	Region string
	// Endpoint overrides the service endpoint (LocalStack and similar).
	Endpoint   string
	SecretName string
}

// Persister implements session.Persister on top of one secret.
//
// Ordering by Seq is checked with a read before each write. Secrets Manager
// offers no compare-and-set, so the guarantee holds for a single writer,
// which is what the client's serialized write-through provides.
type Persister struct {
	api  API
	name string
}

var _ session.Persister = (*Persister)(nil)

// New loads the default AWS configuration chain and returns a Persister.
func New(ctx context.Context, opts Options) (*Persister, error) {
	if opts.SecretName == "" {
		return nil, errors.New("secret name required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewWithAPI(client, opts.SecretName), nil
}

// NewWithAPI wraps an existing client. Tests pass a fake.
func NewWithAPI(api API, secretName string) *Persister {
	return &Persister{api: api, name: secretName}
}

// Save writes r unless the stored record or tombstone is at least as new.
func (p *Persister) Save(ctx context.Context, r session.Record) error {
	data, err := session.Encode(r)
	if err != nil {
		return err
	}
	return p.write(ctx, r.Seq, data)
}

// Load returns the stored record; a missing secret or a tombstone is "absent".
func (p *Persister) Load(ctx context.Context) (session.Record, bool, error) {
	data, found, err := p.read(ctx)
	if err != nil || !found {
		return session.Record{}, false, err
	}
	if isTombstone(data) {
		return session.Record{}, false, nil
	}
	r, err := session.Decode(data)
	if err != nil {
		return session.Record{}, false, err
	}
	return r, true, nil
}

// Delete replaces the record with a tombstone carrying seq.
func (p *Persister) Delete(ctx context.Context, seq uint64) error {
	return p.write(ctx, seq, encodeTombstone(seq))
}

func (p *Persister) write(ctx context.Context, seq uint64, data []byte) error {
	current, found, err := p.read(ctx)
	if err != nil {
		return err
	}
	if !found {
		_, err := p.api.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(p.name),
			SecretBinary: data,
			Tags: []types.Tag{
				{Key: aws.String("managed-by"), Value: aws.String("goauthclient")},
			},
		})
		if err == nil {
			return nil
		}
		var exists *types.ResourceExistsException
		if !errors.As(err, &exists) {
			return p.wrap("create", err)
		}
		// Lost a creation race; fall through to an ordered put.
		if current, found, err = p.read(ctx); err != nil {
			return err
		}
	}
	if found {
		if stored, ok := storedSeq(current); ok && stored >= seq {
			return nil
		}
	}

	_, err = p.api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(p.name),
		SecretBinary: data,
	})
	if err != nil {
		return p.wrap("put", err)
	}
	return nil
}

func (p *Persister) read(ctx context.Context) ([]byte, bool, error) {
	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.name),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return nil, false, nil
		}
		return nil, false, p.wrap("get", err)
	}
	if len(out.SecretBinary) == 0 {
		return nil, false, nil
	}
	return out.SecretBinary, true, nil
}

func (p *Persister) wrap(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s %s: %s", ErrUnavailable, op, p.name, apiErr.ErrorCode())
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, p.name, err)
}

func encodeTombstone(seq uint64) []byte {
	out := make([]byte, 9)
	out[0] = tombstoneVersion
	binary.BigEndian.PutUint64(out[1:], seq)
	return out
}

func isTombstone(data []byte) bool {
	return len(data) == 9 && data[0] == tombstoneVersion
}

// storedSeq reads Seq from either a tombstone or an encoded record; both keep
// it in bytes 1..8.
func storedSeq(data []byte) (uint64, bool) {
	if len(data) < 9 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[1:9]), true
}
