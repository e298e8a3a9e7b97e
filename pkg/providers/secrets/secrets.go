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

package secrets

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/errors"
)

type Provider interface {
	// Resolve fetches the values behind handles and returns them keyed by the
	// env alias in the handles map. Values never appear in logs or errors;
	// failures reference the handle only.
	Resolve(ctx context.Context, handles map[string]string) (*Bundle, error)
}

type DefaultProvider struct {
	api sdk.SecretsManagerAPI
	// cache holds handle -> value with a short TTL so bursts of dispatches
	// against the same agent do not hammer Secrets Manager.
	cache *cache.Cache
}

func NewDefaultProvider(api sdk.SecretsManagerAPI, cache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{api: api, cache: cache}
}

func (p *DefaultProvider) Resolve(ctx context.Context, handles map[string]string) (*Bundle, error) {
	values := map[string]string{}
	// Stable resolution order keeps retry behavior deterministic.
	ordered := lo.Keys(handles)
	sort.Strings(ordered)
	for _, handle := range ordered {
		alias := handles[handle]
		value, err := p.resolve(ctx, handle)
		if err != nil {
			return nil, err
		}
		values[alias] = value
	}
	if len(values) > 0 {
		logr.FromContextOrDiscard(ctx).V(1).Info("resolved secrets", "count", len(values))
	}
	return &Bundle{values: values}, nil
}

func (p *DefaultProvider) resolve(ctx context.Context, handle string) (string, error) {
	if value, ok := p.cache.Get(handle); ok {
		return value.(string), nil
	}
	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(handle)})
	if err != nil {
		if errors.IsAWSNotFound(err) {
			return "", errors.New(v1.ErrorKindLaunch, "secret handle %q does not resolve", handle)
		}
		return "", errors.ClassifyAWS(err, "resolving secret handle %q", handle)
	}
	value := aws.ToString(out.SecretString)
	if value == "" {
		return "", errors.New(v1.ErrorKindLaunch, "secret handle %q resolves to an empty value", handle)
	}
	p.cache.SetDefault(handle, value)
	return value, nil
}

// Bundle carries resolved secret values from resolution to injection. It
// deliberately cannot be printed or serialized with its contents.
type Bundle struct {
	values map[string]string
}

// Env returns a copy of alias -> value for injection into a launch request.
func (b *Bundle) Env() map[string]string {
	if b == nil {
		return nil
	}
	return lo.Assign(map[string]string{}, b.values)
}

// Aliases returns the env var names in the bundle, for logging.
func (b *Bundle) Aliases() []string {
	aliases := lo.Keys(b.values)
	sort.Strings(aliases)
	return aliases
}

func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.values)
}

func (b *Bundle) String() string {
	return fmt.Sprintf("bundle(%d secrets)", b.Len())
}

func (b *Bundle) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", b.String())), nil
}
