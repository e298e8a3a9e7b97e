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

package taskstatechange

import (
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/outpost-run/outpost/pkg/controllers/termination/messages"
)

var acceptedStatuses = sets.New("running", "stopped")

type Parser struct{}

func (p Parser) Parse(raw string) (messages.Message, error) {
	msg := Message{}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("unmarshalling the message as ECSTaskStateChange, %w", err)
	}

	// Intermediate states (PROVISIONING, PENDING, DEACTIVATING, ...) carry no
	// lifecycle decision for dispatches
	if !acceptedStatuses.Has(strings.ToLower(msg.Detail.LastStatus)) {
		return nil, nil
	}
	return msg, nil
}

func (p Parser) Version() string {
	return "0"
}

func (p Parser) Source() string {
	return "aws.ecs"
}

func (p Parser) DetailType() string {
	return "ECS Task State Change"
}
