package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
)

// BlobClient is the subset of blob storage the blob store needs. Download
// and Delete return an error wrapping ErrNotFound for a missing blob.
type BlobClient interface {
	Upload(ctx context.Context, name string, data []byte, metadata map[string]string) error
	Download(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BlobStore keeps one YAML blob per pipeline under a name prefix.
type BlobStore struct {
	client BlobClient
	prefix string
	logger *zap.Logger
}

// NewBlobStore creates a blob-backed store.
func NewBlobStore(client BlobClient, prefix string, logger *zap.Logger) *BlobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &BlobStore{client: client, prefix: prefix, logger: logger}
}

func (s *BlobStore) blobName(name string) string {
	return s.prefix + name + definitionExt
}

// Save uploads the definition.
func (s *BlobStore) Save(ctx context.Context, d *PipelineDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := Marshal(d)
	if err != nil {
		return err
	}
	meta := map[string]string{"pipeline": d.Name}
	if err := s.client.Upload(ctx, s.blobName(d.Name), data, meta); err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", d.Name, err)
	}
	return nil
}

// Load downloads the named definition.
func (s *BlobStore) Load(ctx context.Context, name string) (*PipelineDefinition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := s.client.Download(ctx, s.blobName(name))
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", name, err)
	}
	d, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", name, err)
	}
	return d, nil
}

// List returns the names of the stored definitions.
func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	blobs, err := s.client.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	var names []string
	for _, b := range blobs {
		rest, ok := strings.CutPrefix(b, s.prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		if name, ok := definitionName(rest); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Delete removes the named definition.
func (s *BlobStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, s.blobName(name)); err != nil {
		return fmt.Errorf("failed to delete pipeline %s: %w", name, err)
	}
	return nil
}

var _ PipelineStore = (*BlobStore)(nil)

// AzureBlobClient implements BlobClient for Azure Blob Storage using shared
// keys. Plain HTTP endpoints are allowed so a local Azurite works.
type AzureBlobClient struct {
	client        *azblob.Client
	containerName string
	logger        *zap.Logger

	initMu        sync.Mutex
	containerInit bool
}

// NewAzureBlobClient creates a client from a standard connection string.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobClient{
		client:        client,
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Upload writes data to the named blob, creating the container on first use.
func (a *AzureBlobClient) Upload(ctx context.Context, name string, data []byte, metadata map[string]string) error {
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewBlockBlobClient(name)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType(name)),
		},
	})
	if err != nil {
		a.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", name),
			zap.Int("size", len(data)),
			zap.Error(err))
		return fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded blob",
		zap.String("blob_path", name),
		zap.Int("size_bytes", len(data)))
	return nil
}

// Download reads the named blob.
func (a *AzureBlobClient) Download(ctx context.Context, name string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.containerName, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

// List returns the names of blobs starting with prefix.
func (a *AzureBlobClient) List(ctx context.Context, prefix string) ([]string, error) {
	var opts *azblob.ListBlobsFlatOptions
	if prefix != "" {
		opts = &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)}
	}
	pager := a.client.NewListBlobsFlatPager(a.containerName, opts)

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

// Delete removes the named blob.
func (a *AzureBlobClient) Delete(ctx context.Context, name string) error {
	_, err := a.client.DeleteBlob(ctx, a.containerName, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(bloberror.ContainerAlreadyExists) {
			a.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".yaml", ".yml":
		return "application/yaml"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}
	return params
}

var _ BlobClient = (*AzureBlobClient)(nil)
