// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package orchestrator

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var segmentCounter metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/cardinalhq/target-s3-json/internal/orchestrator")

	var err error
	segmentCounter, err = meter.Int64Counter(
		"target_s3_json.segment.count",
		metric.WithDescription("Number of segments completed, by the reason they ended"),
	)
	if err != nil {
		log.Fatalf("failed to create segment.count counter: %v", err)
	}
}
