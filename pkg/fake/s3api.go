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

package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"

	sdk "github.com/outpost-run/outpost/pkg/aws"
)

type s3Object struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// S3Behavior must be reset between tests otherwise tests will
// pollute each other.
type S3Behavior struct {
	PutObjectBehavior     MockedFunction[s3.PutObjectInput, s3.PutObjectOutput]
	GetObjectBehavior     MockedFunction[s3.GetObjectInput, s3.GetObjectOutput]
	CopyObjectBehavior    MockedFunction[s3.CopyObjectInput, s3.CopyObjectOutput]
	HeadObjectBehavior    MockedFunction[s3.HeadObjectInput, s3.HeadObjectOutput]
	ListObjectsV2Behavior MockedFunction[s3.ListObjectsV2Input, s3.ListObjectsV2Output]
	DeleteObjectBehavior  MockedFunction[s3.DeleteObjectInput, s3.DeleteObjectOutput]
	PresignBehavior       MockedFunction[s3.GetObjectInput, v4.PresignedHTTPRequest]

	mu      sync.RWMutex
	objects map[string]s3Object
}

type S3API struct {
	sdk.S3API
	S3Behavior
}

func NewS3API() *S3API {
	return &S3API{S3Behavior: S3Behavior{objects: map[string]s3Object{}}}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *S3API) Reset() {
	s.PutObjectBehavior.Reset()
	s.GetObjectBehavior.Reset()
	s.CopyObjectBehavior.Reset()
	s.HeadObjectBehavior.Reset()
	s.ListObjectsV2Behavior.Reset()
	s.DeleteObjectBehavior.Reset()
	s.PresignBehavior.Reset()
	s.mu.Lock()
	s.objects = map[string]s3Object{}
	s.mu.Unlock()
}

// SeedObject stores an object directly, bypassing PutObject accounting.
func (s *S3API) SeedObject(bucket, key string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = s3Object{data: data, contentType: contentType, lastModified: time.Now()}
}

// Object returns a stored object's bytes.
func (s *S3API) Object(bucket, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[bucket+"/"+key]
	return obj.data, ok
}

func (s *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	// Drain the body before Invoke clones the input; io.Reader does not
	// survive a JSON round trip.
	var data []byte
	if input.Body != nil {
		data, _ = io.ReadAll(input.Body)
		input.Body = nil
	}
	return s.PutObjectBehavior.Invoke(input, func(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		s.SeedObject(aws.ToString(input.Bucket), aws.ToString(input.Key), data, lo.FromPtrOr(input.ContentType, "application/octet-stream"))
		return &s3.PutObjectOutput{}, nil
	})
}

func (s *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return s.GetObjectBehavior.Invoke(input, func(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		s.mu.RLock()
		obj, ok := s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)]
		s.mu.RUnlock()
		if !ok {
			return nil, &s3types.NoSuchKey{}
		}
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(obj.data)),
			ContentLength: aws.Int64(int64(len(obj.data))),
			ContentType:   aws.String(obj.contentType),
			LastModified:  aws.Time(obj.lastModified),
		}, nil
	})
}

func (s *S3API) CopyObject(_ context.Context, input *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	return s.CopyObjectBehavior.Invoke(input, func(input *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		source := strings.TrimPrefix(aws.ToString(input.CopySource), "/")
		obj, ok := s.objects[source]
		if !ok {
			return nil, &s3types.NoSuchKey{}
		}
		s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)] = s3Object{data: obj.data, contentType: obj.contentType, lastModified: time.Now()}
		return &s3.CopyObjectOutput{}, nil
	})
}

func (s *S3API) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return s.HeadObjectBehavior.Invoke(input, func(input *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		s.mu.RLock()
		obj, ok := s.objects[aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key)]
		s.mu.RUnlock()
		if !ok {
			return nil, &s3types.NotFound{}
		}
		return &s3.HeadObjectOutput{
			ContentLength: aws.Int64(int64(len(obj.data))),
			ContentType:   aws.String(obj.contentType),
			LastModified:  aws.Time(obj.lastModified),
		}, nil
	})
}

func (s *S3API) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return s.ListObjectsV2Behavior.Invoke(input, func(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		bucket := aws.ToString(input.Bucket) + "/"
		prefix := aws.ToString(input.Prefix)
		var contents []s3types.Object
		for key, obj := range s.objects {
			if !strings.HasPrefix(key, bucket) {
				continue
			}
			relative := strings.TrimPrefix(key, bucket)
			if !strings.HasPrefix(relative, prefix) {
				continue
			}
			contents = append(contents, s3types.Object{
				Key:          aws.String(relative),
				Size:         aws.Int64(int64(len(obj.data))),
				LastModified: aws.Time(obj.lastModified),
			})
		}
		sort.Slice(contents, func(i, j int) bool { return aws.ToString(contents[i].Key) < aws.ToString(contents[j].Key) })
		return &s3.ListObjectsV2Output{Contents: contents, KeyCount: aws.Int32(int32(len(contents)))}, nil
	})
}

func (s *S3API) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return s.DeleteObjectBehavior.Invoke(input, func(input *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
		s.mu.Lock()
		delete(s.objects, aws.ToString(input.Bucket)+"/"+aws.ToString(input.Key))
		s.mu.Unlock()
		return &s3.DeleteObjectOutput{}, nil
	})
}

// PresignGetObject satisfies the presigner interface with a stable fake URL.
func (s *S3API) PresignGetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return s.PresignBehavior.Invoke(input, func(input *s3.GetObjectInput) (*v4.PresignedHTTPRequest, error) {
		return &v4.PresignedHTTPRequest{
			URL:    fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s?X-Amz-Signature=%s", aws.ToString(input.Bucket), DefaultRegion, aws.ToString(input.Key), randomHex()),
			Method: "GET",
		}, nil
	})
}
