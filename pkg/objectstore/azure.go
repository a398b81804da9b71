package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/finopsctl/billingpipe/pkg/errors"
)

// AzureClient implements Client against one container of an Azure
// storage account.
type AzureClient struct {
	container string
	client    *azblob.Client
}

// NewAzureClient builds a client for one container. An empty accountKey
// falls back to anonymous access, which only works for public containers.
func NewAzureClient(accountName, accountKey, container string) (*AzureClient, error) {
	if accountName == "" || container == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "azure storage account and container are required")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)

	var client *azblob.Client
	var err error
	if accountKey != "" {
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(accountName, accountKey)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid azure storage credentials")
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	} else {
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create azure blob client")
	}

	return &AzureClient{container: container, client: client}, nil
}

func (c *AzureClient) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	pager := c.client.NewListBlobsFlatPager(c.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list blobs").
				WithDetail("container", c.container).
				WithDetail("prefix", prefix)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}

	return keys, nil
}

func (c *AzureClient) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, key, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to download blob").
			WithDetail("container", c.container).
			WithDetail("key", key)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read blob body").
			WithDetail("key", key)
	}
	return data, nil
}

func (c *AzureClient) Download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create download directory").
			WithDetail("path", localPath)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create local file").
			WithDetail("path", localPath)
	}
	defer f.Close()

	_, err = c.client.DownloadFile(ctx, c.container, key, f, nil)
	if err != nil {
		os.Remove(localPath)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to download blob").
			WithDetail("container", c.container).
			WithDetail("key", key)
	}
	return nil
}
