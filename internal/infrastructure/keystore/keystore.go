package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParameterAPI is the subset of the SSM client used to fetch the signing key.
// *ssm.Client satisfies it.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Source yields the HMAC key used to sign transition audit rows.
type Source interface {
	SigningKey(ctx context.Context) ([]byte, error)
}

// StaticKeyStore holds a key decoded once at startup.
type StaticKeyStore struct {
	key []byte
}

// FromHex decodes a hex encoded key.
func FromHex(raw string) (*StaticKeyStore, error) {
	key, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	return &StaticKeyStore{key: key}, nil
}

func (s *StaticKeyStore) SigningKey(ctx context.Context) ([]byte, error) {
	_ = ctx
	return s.key, nil
}

// ParameterKeyStore reads the key from an SSM SecureString parameter holding hex.
type ParameterKeyStore struct {
	api  ParameterAPI
	name string
}

// NewParameterKeyStore creates a ParameterKeyStore for the named parameter.
func NewParameterKeyStore(api ParameterAPI, name string) (*ParameterKeyStore, error) {
	if api == nil {
		return nil, errors.New("keystore: parameter api must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("keystore: parameter name is required")
	}
	return &ParameterKeyStore{api: api, name: name}, nil
}

func (p *ParameterKeyStore) SigningKey(ctx context.Context) ([]byte, error) {
	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &p.name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: get parameter %q: %w", p.name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("keystore: parameter %q has no value", p.name)
	}
	return decodeKey(*out.Parameter.Value)
}

// Resolve loads the signing key. An inline hex key wins over a parameter name.
// With neither configured it returns a nil key and audit rows stay unsigned.
func Resolve(ctx context.Context, hexKey, paramName string, api ParameterAPI) ([]byte, error) {
	var src Source
	switch {
	case strings.TrimSpace(hexKey) != "":
		s, err := FromHex(hexKey)
		if err != nil {
			return nil, err
		}
		src = s
	case strings.TrimSpace(paramName) != "":
		p, err := NewParameterKeyStore(api, paramName)
		if err != nil {
			return nil, err
		}
		src = p
	default:
		return nil, nil
	}
	return src.SigningKey(ctx)
}

func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("keystore: signing key is empty")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("keystore: signing key is not hex: %w", err)
	}
	return key, nil
}
