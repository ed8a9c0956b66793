package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"audioingest/apperr"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureConfig holds the shared-key account and target container.
type AzureConfig struct {
	AccountName string
	AccountKey  string
	Container   string
	// Endpoint overrides https://{account}.blob.core.windows.net/, e.g. for Azurite.
	Endpoint      string
	DefaultExpiry time.Duration
}

// AzureAdapter issues blob SAS URLs signed with the account key.
type AzureAdapter struct {
	client        *azblob.Client
	cred          *azblob.SharedKeyCredential
	serviceURL    string
	container     string
	defaultExpiry time.Duration
}

func NewAzureAdapter(cfg AzureConfig) (*AzureAdapter, error) {
	switch {
	case cfg.AccountName == "" || cfg.AccountKey == "":
		return nil, missingConfig(ProviderAzure, "account credentials")
	case cfg.Container == "":
		return nil, missingConfig(ProviderAzure, "container")
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure shared key: %v: %w", err, apperr.ErrConfiguration)
	}
	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}
	if !strings.HasSuffix(serviceURL, "/") {
		serviceURL += "/"
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %v: %w", err, apperr.ErrConfiguration)
	}
	return &AzureAdapter{
		client:        client,
		cred:          cred,
		serviceURL:    serviceURL,
		container:     cfg.Container,
		defaultExpiry: cfg.DefaultExpiry,
	}, nil
}

func (a *AzureAdapter) Provider() string { return ProviderAzure }

func (a *AzureAdapter) ready() error {
	if a == nil || a.cred == nil || a.client == nil {
		return missingConfig(ProviderAzure, "account credentials")
	}
	if a.container == "" {
		return missingConfig(ProviderAzure, "container")
	}
	return nil
}

func (a *AzureAdapter) blobURL(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return a.serviceURL + url.PathEscape(a.container) + "/" + strings.Join(segs, "/")
}

func (a *AzureAdapter) sign(key string, perms sas.BlobPermissions, expiresIn time.Duration) (string, error) {
	protocol := sas.ProtocolHTTPS
	if strings.HasPrefix(a.serviceURL, "http://") {
		protocol = sas.ProtocolHTTPSandHTTP
	}
	now := time.Now().UTC()
	qp, err := sas.BlobSignatureValues{
		Protocol:      protocol,
		StartTime:     now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(clampExpiry(expiresIn, a.defaultExpiry)),
		Permissions:   perms.String(),
		ContainerName: a.container,
		BlobName:      key,
	}.SignWithSharedKey(a.cred)
	if err != nil {
		return "", fmt.Errorf("azure sign %q: %v: %w", key, err, apperr.ErrConfiguration)
	}
	return a.blobURL(key) + "?" + qp.Encode(), nil
}

func (a *AzureAdapter) GenerateUploadURL(ctx context.Context, key, contentType string, expiresIn time.Duration) (UploadCredential, error) {
	if err := a.ready(); err != nil {
		return UploadCredential{}, err
	}
	if err := ValidateKey(key); err != nil {
		return UploadCredential{}, err
	}
	u, err := a.sign(key, sas.BlobPermissions{Create: true, Write: true}, expiresIn)
	if err != nil {
		return UploadCredential{}, err
	}
	return UploadCredential{
		URL:    u,
		Method: http.MethodPut,
		Headers: map[string]string{
			"x-ms-blob-type": "BlockBlob",
			"Content-Type":   contentType,
		},
	}, nil
}

func (a *AzureAdapter) GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return a.sign(key, sas.BlobPermissions{Read: true}, expiresIn)
}

func (a *AzureAdapter) PutObject(ctx context.Context, r io.Reader, key, contentType string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := a.client.UploadStream(ctx, a.container, key, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return a.normalize("put", key, err)
	}
	return nil
}

func (a *AzureAdapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		return nil, a.normalize("get", key, err)
	}
	return resp.Body, nil
}

func (a *AzureAdapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := a.ready(); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, a.normalize("stat", key, err)
}

func (a *AzureAdapter) normalize(op, key string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return notFound(ProviderAzure, key)
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		return missingConfig(ProviderAzure, "existing container")
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure):
		return fmt.Errorf("azure %s %q: access denied: %w", op, key, apperr.ErrConfiguration)
	}
	return transient(ProviderAzure, op, key, err)
}
