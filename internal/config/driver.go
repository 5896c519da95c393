package config

import (
	"fmt"

	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/storage/posix"
	"github.com/cuemby/pgbackup/internal/storage/s3"
)

// RepoDriver builds the storage.Driver the repo section of the config
// describes, the way cmd/pgbackup wires a backup/restore/info run to a
// concrete backend without those commands knowing posix from s3.
func (c *Config) RepoDriver() (storage.Driver, error) {
	switch c.RepoType {
	case RepoTypePosix:
		return posix.New(c.RepoPath), nil
	case RepoTypeS3:
		return s3.New(s3.Config{
			Bucket:        c.S3.Bucket,
			Endpoint:      c.S3.endpointAddr(),
			Region:        c.S3.Region,
			Style:         c.S3.uriStyle(),
			Provider:      c.S3.provider(),
			PartSize:      c.S3.PartSize,
			Tags:          c.S3.Tags,
			RequesterPays: c.S3.RequesterPays,
			VerifyPeer:    c.S3.VerifyPeer,
		}), nil
	default:
		return nil, fmt.Errorf("config: unknown repoType %q", c.RepoType)
	}
}

func (s S3Config) endpointAddr() string {
	if s.EndpointHost == "" {
		return s.Endpoint
	}
	if s.EndpointPort == 0 {
		return s.EndpointHost
	}
	return fmt.Sprintf("%s:%d", s.EndpointHost, s.EndpointPort)
}

func (s S3Config) uriStyle() s3.UriStyle {
	if s.URIStyle == "path" {
		return s3.PathStyle
	}
	return s3.HostStyle
}

// provider picks the credential Provider per KeyType: "shared" uses the
// key/keySecret pair directly, "web-id" exchanges a mounted service
// account token for STS credentials, anything else (including "role",
// the EC2/ECS instance-profile case) falls back to the auto/IMDS
// provider with credRole as an optional explicit role hint.
func (s S3Config) provider() s3.Provider {
	switch s.KeyType {
	case "shared":
		return s3.SharedProvider{Creds: s3.Credentials{
			AccessKey: s.Key,
			SecretKey: s.KeySecret,
		}}
	case "web-id":
		return s3.NewWebIdProvider(s3.WebIdProviderConfig{
			RoleARN:       s.CredRole,
			TokenFilePath: s.Key,
		})
	default:
		return s3.NewAutoProvider(s3.AutoProviderConfig{Role: s.CredRole})
	}
}
