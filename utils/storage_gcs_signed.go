package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// SignedUpload is handed to browser clients so they can PUT the file
// straight into the bucket without routing the bytes through this service.
type SignedUpload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// uploadSigner carries whichever signing material resolveUploadSigner found.
// Exactly one of privateKey or signBlob is set.
type uploadSigner struct {
	accessID   string
	privateKey []byte
	signBlob   func([]byte) ([]byte, error)
}

func (s *uploadSigner) apply(opts *storage.SignedURLOptions) {
	opts.GoogleAccessID = s.accessID
	if s.privateKey != nil {
		opts.PrivateKey = s.privateKey
		return
	}
	opts.SignBytes = s.signBlob
}

// SignUpload issues a V4 signed PUT URL for objectKey. The signer comes from
// local key material when configured, otherwise from the IAM credentials API
// via the runtime service account.
func SignUpload(ctx context.Context, objectKey, contentType string, expires time.Duration) (*SignedUpload, error) {
	if GetStorageProvider() != StorageProviderGCS {
		return nil, fmt.Errorf("signed uploads need the gcs storage provider, have %q", GetStorageProvider())
	}

	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET must be set to sign uploads")
	}

	signer, err := resolveUploadSigner(ctx)
	if err != nil {
		return nil, err
	}

	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      "PUT",
		Expires:     time.Now().Add(expires),
		ContentType: contentType,
	}
	signer.apply(opts)

	signedURL, err := storage.SignedURL(bucket, objectKey, opts)
	if err != nil {
		return nil, err
	}

	return &SignedUpload{
		UploadURL: signedURL,
		Method:    opts.Method,
		Headers: map[string]string{
			"Content-Type": contentType,
		},
		ObjectKey: objectKey,
		AccessURL: BuildObjectAccessURL(objectKey),
		ExpiresAt: opts.Expires,
	}, nil
}

// resolveUploadSigner picks the signing source in priority order:
// GCS_CREDENTIALS_JSON, then the GCS_SIGNER_EMAIL + GCS_SIGNER_PRIVATE_KEY
// pair, then the IAM SignBlob API under the ambient service account.
func resolveUploadSigner(ctx context.Context) (*uploadSigner, error) {
	if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
		var key struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return nil, fmt.Errorf("GCS_CREDENTIALS_JSON does not parse: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return nil, errors.New("GCS_CREDENTIALS_JSON needs client_email and private_key")
		}
		return &uploadSigner{
			accessID:   key.ClientEmail,
			privateKey: normalizePrivateKey(key.PrivateKey),
		}, nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if privateKey := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY")); privateKey != "" {
		if email == "" {
			return nil, errors.New("GCS_SIGNER_PRIVATE_KEY set without GCS_SIGNER_EMAIL")
		}
		return &uploadSigner{
			accessID:   email,
			privateKey: normalizePrivateKey(privateKey),
		}, nil
	}

	return iamBlobSigner(ctx, email)
}

// normalizePrivateKey undoes the \n escaping env files apply to PEM blocks.
func normalizePrivateKey(key string) []byte {
	return []byte(strings.ReplaceAll(key, "\\n", "\n"))
}

// iamBlobSigner signs through the IAM credentials SignBlob API. This is the
// Cloud Run path, where no private key is mounted and the runtime service
// account does the signing.
func iamBlobSigner(ctx context.Context, email string) (*uploadSigner, error) {
	if email == "" && metadata.OnGCE() {
		defaultEmail, err := metadata.Email("default")
		if err != nil {
			return nil, fmt.Errorf("could not read service account email from metadata: %w", err)
		}
		email = defaultEmail
	}
	if email == "" {
		return nil, errors.New("no signer configured: set GCS_CREDENTIALS_JSON, GCS_SIGNER_EMAIL, or run on GCE")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("default credentials unavailable for blob signing: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("iamcredentials service init: %w", err)
	}

	resource := fmt.Sprintf("projects/-/serviceAccounts/%s", email)
	return &uploadSigner{
		accessID: email,
		signBlob: func(data []byte) ([]byte, error) {
			req := &iamcredentials.SignBlobRequest{
				Payload: base64.StdEncoding.EncodeToString(data),
			}
			resp, err := svc.Projects.ServiceAccounts.SignBlob(resource, req).Do()
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(resp.SignedBlob)
		},
	}, nil
}
