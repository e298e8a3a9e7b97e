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

// Package artifact moves staged worker outputs into their durable
// dispatch-addressed location and serves presigned views of them.
package artifact

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/blob"
	"github.com/outpost-run/outpost/pkg/providers/launcher"
)

const (
	// PublishedPrefix roots every published artifact object.
	PublishedPrefix = "artifacts/"

	// DefaultExpiry bounds presigned URLs when the caller does not choose;
	// MaxExpiry caps what a caller may choose.
	DefaultExpiry = 15 * time.Minute
	MaxExpiry     = time.Hour
)

type Provider interface {
	// Publish copies staged outputs into the dispatch's artifact prefix and
	// returns the artifact handle, or "" when the worker staged nothing.
	// Publishing the same dispatch twice overwrites identically.
	Publish(ctx context.Context, record *v1.Dispatch) (string, error)
	// Artifacts lists the published objects of a dispatch, each presigned
	// for expiresIn.
	Artifacts(ctx context.Context, record *v1.Dispatch, expiresIn time.Duration) ([]v1.Artifact, error)
}

type DefaultProvider struct {
	blobProvider blob.Provider
	clock        clock.Clock
}

func NewDefaultProvider(blobProvider blob.Provider, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{blobProvider: blobProvider, clock: clk}
}

func (p *DefaultProvider) Publish(ctx context.Context, record *v1.Dispatch) (string, error) {
	stagingPrefix := launcher.StagingPrefixFor(record.DispatchID)
	staged, err := p.blobProvider.List(ctx, stagingPrefix)
	if err != nil {
		return "", errors.Wrap(v1.ErrorKindArtifact, err, "listing staged outputs for dispatch %s", record.DispatchID)
	}
	if len(staged) == 0 {
		logr.FromContextOrDiscard(ctx).V(1).Info("no staged outputs to publish", "dispatch-id", record.DispatchID)
		return "", nil
	}
	handle := HandleFor(record.DispatchID)
	published := 0
	for _, object := range staged {
		name := strings.TrimPrefix(object.Key, stagingPrefix)
		if name == "" {
			continue
		}
		if err := p.blobProvider.Copy(ctx, object.Key, handle+name); err != nil {
			return "", errors.Wrap(v1.ErrorKindArtifact, err, "publishing %q for dispatch %s", name, record.DispatchID)
		}
		published++
	}
	logr.FromContextOrDiscard(ctx).Info("published artifacts",
		"dispatch-id", record.DispatchID,
		"count", published,
	)
	return handle, nil
}

func (p *DefaultProvider) Artifacts(ctx context.Context, record *v1.Dispatch, expiresIn time.Duration) ([]v1.Artifact, error) {
	if record.ArtifactHandle == "" {
		return []v1.Artifact{}, nil
	}
	expiresIn = clampExpiry(expiresIn)
	objects, err := p.blobProvider.List(ctx, record.ArtifactHandle)
	if err != nil {
		return nil, errors.Wrap(v1.ErrorKindArtifact, err, "listing artifacts for dispatch %s", record.DispatchID)
	}
	expiresAt := p.clock.Now().Add(expiresIn)
	artifacts := make([]v1.Artifact, 0, len(objects))
	for _, object := range objects {
		url, err := p.blobProvider.PresignGet(ctx, object.Key, expiresIn)
		if err != nil {
			return nil, errors.Wrap(v1.ErrorKindArtifact, err, "presigning %q for dispatch %s", object.Key, record.DispatchID)
		}
		head, err := p.blobProvider.Head(ctx, object.Key)
		if err != nil {
			return nil, errors.Wrap(v1.ErrorKindArtifact, err, "describing %q for dispatch %s", object.Key, record.DispatchID)
		}
		artifacts = append(artifacts, v1.Artifact{
			Type:        typeFor(strings.TrimPrefix(object.Key, record.ArtifactHandle)),
			Handle:      url,
			ExpiresAt:   expiresAt,
			SizeBytes:   object.SizeBytes,
			ContentType: head.ContentType,
		})
	}
	return artifacts, nil
}

// HandleFor is the published prefix of one dispatch's artifacts. It doubles
// as the artifactHandle stored on the record.
func HandleFor(dispatchID string) string {
	return PublishedPrefix + dispatchID + "/"
}

func clampExpiry(expiresIn time.Duration) time.Duration {
	if expiresIn <= 0 {
		return DefaultExpiry
	}
	if expiresIn > MaxExpiry {
		return MaxExpiry
	}
	return expiresIn
}

// typeFor derives the artifact type from the object name: the base name up
// to its first dot, so "metadata.json" reads as "metadata" and a nested
// "logs/stdout.txt" as "stdout".
func typeFor(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, "."); idx > 0 {
		name = name[:idx]
	}
	return strings.ToLower(name)
}
