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

// Package workspace resolves what a worker mounts as its working directory.
// The ephemeral modes only shape the bootstrap document; persistent mode also
// claims a single-writer lease so two dispatches never share a volume.
package workspace

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"k8s.io/utils/clock"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/errors"
)

// leaseSlack keeps a lease alive past the dispatch timeout so the terminal
// transition releases it before the table TTL does.
const leaseSlack = time.Hour

type Kind string

const (
	KindTmpfs  Kind = "tmpfs"
	KindClone  Kind = "clone"
	KindVolume Kind = "volume"
)

type CloneMode string

const (
	CloneSparse  CloneMode = "sparse"
	CloneShallow CloneMode = "shallow"
)

// Mount tells the worker bootstrap what workspace to materialize. Cloning and
// volume attachment happen inside the worker; the control plane only decides
// shape and ownership.
type Mount struct {
	Kind      Kind
	CloneMode CloneMode
	Volume    string
	Repo      string
	Branch    string
}

type Provider interface {
	// Prepare resolves the mount for a dispatch and, for persistent mode,
	// claims the workspace lease. A live lease held by another dispatch
	// returns CONFLICT. Prepare is idempotent for the same dispatch.
	Prepare(ctx context.Context, record *v1.Dispatch) (*Mount, error)
	// ReleaseLease frees the persistent workspace lease held by the
	// dispatch. Other modes, absent leases, and leases that moved on to a
	// later dispatch are all no-ops.
	ReleaseLease(ctx context.Context, record *v1.Dispatch) error
}

// leaseItem is keyed by LeaseKey; expiresAt doubles as the table TTL
// attribute so an orphaned lease eventually frees itself.
type leaseItem struct {
	LeaseID    string `dynamodbav:"leaseId"`
	AcquiredBy string `dynamodbav:"acquiredBy"`
	CreatedAt  int64  `dynamodbav:"createdAt"`
	ExpiresAt  int64  `dynamodbav:"expiresAt"`
}

type DefaultProvider struct {
	api       sdk.DynamoDBAPI
	tableName string
	clock     clock.Clock
}

func NewDefaultProvider(api sdk.DynamoDBAPI, tableName string, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{api: api, tableName: tableName, clock: clk}
}

func (p *DefaultProvider) Prepare(ctx context.Context, record *v1.Dispatch) (*Mount, error) {
	switch record.WorkspaceMode {
	case v1.WorkspaceModeNone, "":
		return &Mount{Kind: KindTmpfs}, nil
	case v1.WorkspaceModeMinimal:
		return &Mount{Kind: KindClone, CloneMode: CloneSparse, Repo: record.Repo, Branch: record.Branch}, nil
	case v1.WorkspaceModeFull:
		return &Mount{Kind: KindClone, CloneMode: CloneShallow, Repo: record.Repo, Branch: record.Branch}, nil
	case v1.WorkspaceModePersistent:
		if record.Repo == "" {
			return nil, errors.New(v1.ErrorKindValidation, "persistent workspace mode requires a repo")
		}
		if err := p.claimLease(ctx, record); err != nil {
			return nil, err
		}
		return &Mount{
			Kind:   KindVolume,
			Volume: VolumeName(record.TenantID, record.Repo),
			Repo:   record.Repo,
			Branch: record.Branch,
		}, nil
	default:
		return nil, errors.New(v1.ErrorKindValidation, "unknown workspace mode %q", record.WorkspaceMode)
	}
}

func (p *DefaultProvider) claimLease(ctx context.Context, record *v1.Dispatch) error {
	now := p.clock.Now()
	key := LeaseKey(record.TenantID, record.Repo)
	attrs, err := attributevalue.MarshalMap(leaseItem{
		LeaseID:    key,
		AcquiredBy: record.DispatchID,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(time.Duration(record.TimeoutSeconds)*time.Second + leaseSlack).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshalling the workspace lease, %w", err)
	}
	// An expired lease whose TTL deletion is lagging may be overwritten.
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("leaseId")).
			Or(expression.Name("expiresAt").LessThan(expression.Value(now.Unix())))).
		Build()
	if err != nil {
		return fmt.Errorf("building the lease condition, %w", err)
	}
	if _, err := p.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(p.tableName),
		Item:                                attrs,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	}); err != nil {
		var failed *ddbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &failed) {
			holder := leaseItem{}
			if len(failed.Item) > 0 {
				if err := attributevalue.UnmarshalMap(failed.Item, &holder); err != nil {
					return fmt.Errorf("unmarshalling the lease holder, %w", err)
				}
				// A dispatcher retry re-claiming its own lease succeeds.
				if holder.AcquiredBy == record.DispatchID {
					return nil
				}
			}
			return errors.New(v1.ErrorKindConflict, "workspace %s is leased by dispatch %s", key, holder.AcquiredBy)
		}
		return errors.ClassifyAWS(err, "claiming the workspace lease for tenant %s", record.TenantID)
	}
	return nil
}

func (p *DefaultProvider) ReleaseLease(ctx context.Context, record *v1.Dispatch) error {
	if record.WorkspaceMode != v1.WorkspaceModePersistent || record.Repo == "" {
		return nil
	}
	// Guarding on the holder keeps a late release from deleting a lease a
	// newer dispatch claimed after this one expired.
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("acquiredBy").Equal(expression.Value(record.DispatchID))).
		Build()
	if err != nil {
		return fmt.Errorf("building the release condition, %w", err)
	}
	if _, err := p.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"leaseId": &ddbtypes.AttributeValueMemberS{Value: LeaseKey(record.TenantID, record.Repo)},
		},
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}); err != nil {
		if errors.IsConditionalCheckFailed(err) {
			return nil
		}
		return errors.ClassifyAWS(err, "releasing the workspace lease for tenant %s", record.TenantID)
	}
	return nil
}

// LeaseKey identifies a persistent workspace in the lease table.
func LeaseKey(tenantID, repo string) string {
	return fmt.Sprintf("%s/%s", tenantID, RepoSlug(repo))
}

// VolumeName is the stable named volume for a tenant and repo pair.
func VolumeName(tenantID, repo string) string {
	return fmt.Sprintf("ws-%s-%s", RepoSlug(tenantID), RepoSlug(repo))
}

// RepoSlug flattens a repo reference into a volume-safe token, lowercasing it
// and mapping every non-alphanumeric rune to a dash.
func RepoSlug(repo string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(repo))
}
