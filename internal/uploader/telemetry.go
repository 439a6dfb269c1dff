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

package uploader

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	uploadCounter  metric.Int64Counter
	uploadBytes    metric.Int64Counter
	uploadDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/target-s3-json/internal/uploader")

	var err error
	uploadCounter, err = meter.Int64Counter(
		"target_s3_json.upload.count",
		metric.WithDescription("Number of object uploads attempted, by outcome"),
	)
	if err != nil {
		log.Fatalf("failed to create upload.count counter: %v", err)
	}

	uploadBytes, err = meter.Int64Counter(
		"target_s3_json.upload.bytes",
		metric.WithDescription("Bytes written to S3"),
		metric.WithUnit("By"),
	)
	if err != nil {
		log.Fatalf("failed to create upload.bytes counter: %v", err)
	}

	uploadDuration, err = meter.Float64Histogram(
		"target_s3_json.upload.duration",
		metric.WithDescription("Time spent uploading one object, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Fatalf("failed to create upload.duration histogram: %v", err)
	}
}
