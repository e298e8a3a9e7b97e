/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/samber/lo"

	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/errors"
)

// Object describes one stored object.
type Object struct {
	Key          string
	SizeBytes    int64
	ContentType  string
	LastModified time.Time
}

type Provider interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (*Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Copy(ctx context.Context, sourceKey, destinationKey string) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// DefaultProvider stores everything in a single bucket; callers namespace by
// key prefix (bootstrap/, assignments/, staging/, artifacts/, workspaces/).
type DefaultProvider struct {
	bucket    string
	api       sdk.S3API
	presigner sdk.S3Presigner
}

func NewDefaultProvider(api sdk.S3API, presigner sdk.S3Presigner, bucket string) *DefaultProvider {
	return &DefaultProvider{bucket: bucket, api: api, presigner: presigner}
}

func (p *DefaultProvider) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if _, err := p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}); err != nil {
		return errors.ClassifyAWS(err, "putting object %q", key)
	}
	return nil
}

func (p *DefaultProvider) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.ClassifyAWS(err, "getting object %q", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q, %w", key, err)
	}
	return data, nil
}

func (p *DefaultProvider) Head(ctx context.Context, key string) (*Object, error) {
	out, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.ClassifyAWS(err, "heading object %q", key)
	}
	return &Object{
		Key:          key,
		SizeBytes:    lo.FromPtr(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: lo.FromPtr(out.LastModified),
	}, nil
}

func (p *DefaultProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	var continuation *string
	for {
		out, err := p.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, errors.ClassifyAWS(err, "listing objects under %q", prefix)
		}
		for _, item := range out.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(item.Key),
				SizeBytes:    lo.FromPtr(item.Size),
				LastModified: lo.FromPtr(item.LastModified),
			})
		}
		if out.NextContinuationToken == nil {
			return objects, nil
		}
		continuation = out.NextContinuationToken
	}
}

func (p *DefaultProvider) Copy(ctx context.Context, sourceKey, destinationKey string) error {
	if _, err := p.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(destinationKey),
		CopySource: aws.String(fmt.Sprintf("%s/%s", p.bucket, sourceKey)),
	}); err != nil {
		return errors.ClassifyAWS(err, "copying object %q to %q", sourceKey, destinationKey)
	}
	return nil
}

func (p *DefaultProvider) Delete(ctx context.Context, key string) error {
	if _, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return errors.ClassifyAWS(err, "deleting object %q", key)
	}
	return nil
}

func (p *DefaultProvider) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	request, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errors.ClassifyAWS(err, "presigning object %q", key)
	}
	return request.URL, nil
}
