package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// Azurite well-known development account.
const (
	devAccountName = "devstoreaccount1"
	devAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	devEndpoint    = "http://127.0.0.1:10000/devstoreaccount1"
)

// BlobUploader stores a blob and returns its URL.
type BlobUploader interface {
	Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
}

// BlobClient talks to Azure Blob Storage with a shared key. Plain http
// endpoints are allowed so local Azurite instances work.
type BlobClient struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger

	mu            sync.Mutex
	containerInit bool
}

// NewBlobClient creates a client from a standard connection string.
// "UseDevelopmentStorage=true" targets the default Azurite account.
func NewBlobClient(connectionString, containerName string, logger *zap.Logger) (*BlobClient, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	params := parseConnectionString(connectionString)
	if strings.EqualFold(params["UseDevelopmentStorage"], "true") {
		params["AccountName"] = devAccountName
		params["AccountKey"] = devAccountKey
		params["BlobEndpoint"] = devEndpoint
	}
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

	return &BlobClient{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Upload writes data as a JSON block blob.
func (c *BlobClient) Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := c.ensureContainer(ctx); err != nil {
		return "", err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	blobClient := c.client.ServiceClient().NewContainerClient(c.containerName).NewBlockBlobClient(blobPath)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		c.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	c.logger.Debug("Uploaded blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return blobClient.URL(), nil
}

// Download reads a blob by path or URL.
func (c *BlobClient) Download(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := c.blobPath(reference)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.ServiceClient().NewContainerClient(c.containerName).NewBlobClient(blobPath).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

func (c *BlobClient) ensureContainer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.containerInit {
		return nil
	}

	_, err := c.client.CreateContainer(ctx, c.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !errors.As(err, &respErr) || respErr.ErrorCode != "ContainerAlreadyExists" {
			return fmt.Errorf("failed to ensure container: %w", err)
		}
	}
	c.containerInit = true
	return nil
}

// blobPath accepts either a bare path or a full blob URL.
func (c *BlobClient) blobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("blob reference is required")
	}

	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(c.serviceURL)) {
		ref = ref[len(c.serviceURL):]
	}
	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}
	if decoded, err := url.PathUnescape(ref); err == nil && decoded != "" {
		ref = decoded
	}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, c.containerName+"/")
	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return ref, nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}

// BlobStorage writes the record layout under a prefix in a blob container.
type BlobStorage struct {
	uploader BlobUploader
	prefix   string
	logger   *zap.Logger
}

// NewBlobStorage stores records under prefix, usually the run id.
func NewBlobStorage(uploader BlobUploader, prefix string, logger *zap.Logger) (*BlobStorage, error) {
	if uploader == nil {
		return nil, errors.New("uploader cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStorage{uploader: uploader, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// PersistNodeRun uploads artifacts/<line>/<node>.json.
func (s *BlobStorage) PersistNodeRun(ctx context.Context, info *run.RunInfo) error {
	data, err := encodeNode(info)
	if err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, path.Join(s.prefix, NodePath(info)), data, map[string]string{
		"node":   info.Node,
		"run_id": info.RunID,
		"status": string(info.Status),
	})
	return err
}

// PersistLineRun uploads outputs/<line>.json.
func (s *BlobStorage) PersistLineRun(ctx context.Context, result *run.LineResult) error {
	data, err := encodeLine(result)
	if err != nil {
		return err
	}
	_, err = s.uploader.Upload(ctx, path.Join(s.prefix, LinePath(result.Index())), data, map[string]string{
		"line":   strconv.Itoa(result.Index()),
		"run_id": result.RunInfo.RunID,
		"status": string(result.Status()),
	})
	return err
}
