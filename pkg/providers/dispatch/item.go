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

package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
)

const (
	// TenantCreatedIndex orders a tenant's dispatches by creation time.
	TenantCreatedIndex = "tenant-created"
	// StatusCreatedIndex orders dispatches in one status by creation time.
	// The sweeper queries it for records that have sat too long.
	StatusCreatedIndex = "status-created"
	// RuntimeHandleIndex is sparse. Only dispatches that were assigned a
	// worker appear in it, keyed by the runtime handle the termination
	// events carry.
	RuntimeHandleIndex = "runtime-handle"
)

// item is the DynamoDB shape of a dispatch record. Timestamps are stored as
// epoch milliseconds so the GSIs sort numerically, except expiresAt which the
// table TTL requires in epoch seconds.
type item struct {
	DispatchID        string            `dynamodbav:"dispatchId"`
	TenantID          string            `dynamodbav:"tenantId"`
	IdempotencyKey    string            `dynamodbav:"idempotencyKey,omitempty"`
	Agent             string            `dynamodbav:"agent"`
	ModelID           string            `dynamodbav:"modelId"`
	Task              string            `dynamodbav:"task"`
	Repo              string            `dynamodbav:"repo,omitempty"`
	Branch            string            `dynamodbav:"branch,omitempty"`
	ContextLevel      string            `dynamodbav:"contextLevel"`
	WorkspaceMode     string            `dynamodbav:"workspaceMode"`
	TimeoutSeconds    int               `dynamodbav:"timeoutSeconds"`
	Constraints       *v1.Constraints   `dynamodbav:"constraints,omitempty"`
	Tags              map[string]string `dynamodbav:"tags,omitempty"`
	AdditionalSecrets map[string]string `dynamodbav:"additionalSecrets,omitempty"`
	Status            string            `dynamodbav:"status"`
	RuntimeHandle     string            `dynamodbav:"runtimeHandle,omitempty"`
	ExitCode          *int              `dynamodbav:"exitCode,omitempty"`
	ErrorKind         string            `dynamodbav:"errorKind,omitempty"`
	ErrorMessage      string            `dynamodbav:"errorMessage,omitempty"`
	ArtifactHandle    string            `dynamodbav:"artifactHandle,omitempty"`
	Version           int64             `dynamodbav:"version"`
	CreatedAt         int64             `dynamodbav:"createdAt"`
	StartedAt         int64             `dynamodbav:"startedAt,omitempty"`
	EndedAt           int64             `dynamodbav:"endedAt,omitempty"`
	ExpiresAt         int64             `dynamodbav:"expiresAt"`
}

func recordToItem(record *v1.Dispatch) *item {
	return &item{
		DispatchID:        record.DispatchID,
		TenantID:          record.TenantID,
		IdempotencyKey:    record.IdempotencyKey,
		Agent:             record.Agent,
		ModelID:           record.ModelID,
		Task:              record.Task,
		Repo:              record.Repo,
		Branch:            record.Branch,
		ContextLevel:      string(record.ContextLevel),
		WorkspaceMode:     string(record.WorkspaceMode),
		TimeoutSeconds:    record.TimeoutSeconds,
		Constraints:       record.Constraints,
		Tags:              record.Tags,
		AdditionalSecrets: record.AdditionalSecrets,
		Status:            string(record.Status),
		RuntimeHandle:     record.RuntimeHandle,
		ExitCode:          record.ExitCode,
		ErrorKind:         string(record.ErrorKind),
		ErrorMessage:      record.ErrorMessage,
		ArtifactHandle:    record.ArtifactHandle,
		Version:           record.Version,
		CreatedAt:         record.CreatedAt.UnixMilli(),
		StartedAt:         millisOrZero(record.StartedAt),
		EndedAt:           millisOrZero(record.EndedAt),
		ExpiresAt:         record.TTL.Unix(),
	}
}

func itemToRecord(it *item) *v1.Dispatch {
	return &v1.Dispatch{
		DispatchID:        it.DispatchID,
		TenantID:          it.TenantID,
		IdempotencyKey:    it.IdempotencyKey,
		Agent:             it.Agent,
		ModelID:           it.ModelID,
		Task:              it.Task,
		Repo:              it.Repo,
		Branch:            it.Branch,
		ContextLevel:      v1.ContextLevel(it.ContextLevel),
		WorkspaceMode:     v1.WorkspaceMode(it.WorkspaceMode),
		TimeoutSeconds:    it.TimeoutSeconds,
		Constraints:       it.Constraints,
		Tags:              it.Tags,
		AdditionalSecrets: it.AdditionalSecrets,
		Status:            v1.DispatchStatus(it.Status),
		RuntimeHandle:     it.RuntimeHandle,
		ExitCode:          it.ExitCode,
		ErrorKind:         v1.ErrorKind(it.ErrorKind),
		ErrorMessage:      it.ErrorMessage,
		ArtifactHandle:    it.ArtifactHandle,
		Version:           it.Version,
		CreatedAt:         time.UnixMilli(it.CreatedAt).UTC(),
		StartedAt:         timeOrNil(it.StartedAt),
		EndedAt:           timeOrNil(it.EndedAt),
		TTL:               time.Unix(it.ExpiresAt, 0).UTC(),
	}
}

func unmarshalRecord(attrs map[string]ddbtypes.AttributeValue) (*v1.Dispatch, error) {
	it := &item{}
	if err := attributevalue.UnmarshalMap(attrs, it); err != nil {
		return nil, fmt.Errorf("unmarshalling a dispatch item, %w", err)
	}
	return itemToRecord(it), nil
}

func millisOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func timeOrNil(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// cursor round-trips a Query's LastEvaluatedKey through an opaque token so
// list pagination survives process boundaries.
type cursor struct {
	DispatchID string `dynamodbav:"dispatchId" json:"d"`
	TenantID   string `dynamodbav:"tenantId" json:"t"`
	CreatedAt  int64  `dynamodbav:"createdAt" json:"c"`
}

func encodeCursor(lastKey map[string]ddbtypes.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}
	c := cursor{}
	if err := attributevalue.UnmarshalMap(lastKey, &c); err != nil {
		return "", fmt.Errorf("unmarshalling the page key, %w", err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding the page key, %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(token string) (map[string]ddbtypes.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.New(v1.ErrorKindValidation, "cursor is malformed")
	}
	c := cursor{}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.New(v1.ErrorKindValidation, "cursor is malformed")
	}
	key, err := attributevalue.MarshalMap(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling the page key, %w", err)
	}
	return key, nil
}
