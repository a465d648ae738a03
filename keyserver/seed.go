package keyserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	vault "github.com/hashicorp/vault/api"
)

// ErrUnsupportedSeedSource is returned for seed URIs with an unknown scheme.
var ErrUnsupportedSeedSource = errors.New("unsupported seed source")

const defaultVaultField = "seed"

// SeedLoader fetches master seeds from the locations supported by LoadSeed.
type SeedLoader struct {
	log *slog.Logger

	// SecretsManager creates the AWS client for a region. Tests replace it.
	SecretsManager func(region string) (secretsmanageriface.SecretsManagerAPI, error)
}

func NewSeedLoader(log *slog.Logger) *SeedLoader {
	return &SeedLoader{
		log:            log,
		SecretsManager: newSecretsManager,
	}
}

// LoadSeed reads a seed with a default loader.
func LoadSeed(ctx context.Context, uri string, log *slog.Logger) ([]byte, error) {
	return NewSeedLoader(log).Load(ctx, uri)
}

// Load reads the seed at uri.
//
// Supported forms:
//   - hex:<hex> - the seed itself, for development
//   - file:///path - a file holding the hex-encoded or raw seed
//   - vault://host:port/<mount>/<path>#<field> - a KV v2 secret, field
//     defaulting to "seed"; add ?scheme=http for plain HTTP. The token is
//     taken from VAULT_TOKEN.
//   - awssm://<region>/<secret-id> - an AWS Secrets Manager secret, binary
//     or hex string
func (l *SeedLoader) Load(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid seed uri: %w", err)
	}

	var seed []byte
	switch strings.ToLower(u.Scheme) {
	case "hex":
		seed, err = hex.DecodeString(strings.TrimPrefix(u.Opaque, "0x"))
	case "file":
		seed, err = l.loadFile(u)
	case "vault":
		seed, err = l.loadVault(ctx, u)
	case "awssm":
		seed, err = l.loadSecretsManager(ctx, u)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSeedSource, u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	if len(seed) == 0 {
		return nil, errors.New("seed is empty")
	}
	return seed, nil
}

func (l *SeedLoader) loadFile(u *url.URL) ([]byte, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + u.Path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read seed file: %w", err)
	}
	l.log.Debug("Loaded seed from file", slog.String("path", path))
	return decodeSeed(data)
}

func (l *SeedLoader) loadVault(ctx context.Context, u *url.URL) ([]byte, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errors.New("invalid vault uri, expected vault://host:port/mount/path#field")
	}
	mountPath, dataPath := parts[0], parts[1]

	field := u.Fragment
	if field == "" {
		field = defaultVaultField
	}

	scheme := u.Query().Get("scheme")
	if scheme == "" {
		scheme = "https"
	}

	config := vault.DefaultConfig()
	config.Address = fmt.Sprintf("%s://%s", scheme, u.Host)
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}
	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	// KV v2 path structure
	path := fmt.Sprintf("%s/data/%s", mountPath, dataPath)
	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		l.log.Error("Failed to read seed from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("could not read vault secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s not found", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault secret %s is not a kv v2 secret", path)
	}
	value, ok := data[field].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no string field %q", path, field)
	}

	l.log.Debug("Loaded seed from Vault", slog.String("path", path), slog.String("field", field))
	return decodeSeed([]byte(value))
}

func (l *SeedLoader) loadSecretsManager(ctx context.Context, u *url.URL) ([]byte, error) {
	region := u.Host
	secretID := strings.TrimPrefix(u.Path, "/")
	if region == "" || secretID == "" {
		return nil, errors.New("invalid awssm uri, expected awssm://region/secret-id")
	}

	client, err := l.SecretsManager(region)
	if err != nil {
		return nil, err
	}

	out, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		l.log.Error("Failed to read seed from Secrets Manager", slog.String("secret", secretID), "err", err)
		return nil, fmt.Errorf("could not read secret %s: %w", secretID, err)
	}

	l.log.Debug("Loaded seed from Secrets Manager", slog.String("secret", secretID))
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	return decodeSeed([]byte(aws.StringValue(out.SecretString)))
}

func newSecretsManager(region string) (secretsmanageriface.SecretsManagerAPI, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return secretsmanager.New(sess), nil
}

// decodeSeed accepts hex (with or without 0x) and falls back to raw bytes.
func decodeSeed(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	trimmed = bytes.TrimPrefix(trimmed, []byte("0x"))
	if len(trimmed) == 0 {
		return nil, errors.New("seed is empty")
	}
	decoded := make([]byte, hex.DecodedLen(len(trimmed)))
	if _, err := hex.Decode(decoded, trimmed); err == nil {
		return decoded, nil
	}
	return bytes.Clone(data), nil
}
