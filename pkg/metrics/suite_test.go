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

package metrics_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"

	"github.com/nexusrag/nexusrag/pkg/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics")
}

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	gather := func() map[string]*dto.MetricFamily {
		families, err := m.Registry.Gather()
		Expect(err).ToNot(HaveOccurred())
		byName := map[string]*dto.MetricFamily{}
		for _, family := range families {
			byName[family.GetName()] = family
		}
		return byName
	}

	It("should expose counters under the application namespace", func() {
		m.RateLimitDecisions.WithLabelValues("key", "run", "limited").Inc()
		m.RateLimitDecisions.WithLabelValues("key", "run", "limited").Inc()

		family, ok := gather()["nexusrag_ratelimit_decisions_total"]
		Expect(ok).To(BeTrue())
		Expect(family.GetType()).To(Equal(dto.MetricType_COUNTER))
		Expect(family.GetMetric()).To(HaveLen(1))
		Expect(family.GetMetric()[0].GetCounter().GetValue()).To(Equal(2.0))

		labels := map[string]string{}
		for _, pair := range family.GetMetric()[0].GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		Expect(labels).To(Equal(map[string]string{
			metrics.ScopeLabel:      "key",
			metrics.RouteClassLabel: "run",
			metrics.OutcomeLabel:    "limited",
		}))
	})

	It("should track gauges up and down", func() {
		m.RunStreamsActive.Inc()
		m.RunStreamsActive.Inc()
		m.RunStreamsActive.Dec()

		family := gather()["nexusrag_run_streams_active"]
		Expect(family.GetType()).To(Equal(dto.MetricType_GAUGE))
		Expect(family.GetMetric()[0].GetGauge().GetValue()).To(Equal(1.0))
	})

	It("should bucket histogram observations", func() {
		m.RunDuration.Observe(0.02)
		m.RunDuration.Observe(2.2)

		family := gather()["nexusrag_run_duration_seconds"]
		Expect(family.GetType()).To(Equal(dto.MetricType_HISTOGRAM))
		histogram := family.GetMetric()[0].GetHistogram()
		Expect(histogram.GetSampleCount()).To(Equal(uint64(2)))
		Expect(histogram.GetSampleSum()).To(BeNumerically("~", 2.22, 1e-9))
	})

	It("should register the go and process collectors", func() {
		_, ok := gather()["go_goroutines"]
		Expect(ok).To(BeTrue())
	})

	It("should keep registries isolated between instances", func() {
		m.AuditEventsDropped.Inc()
		other := metrics.NewMetrics()

		family, ok := gather()["nexusrag_audit_events_dropped_total"]
		Expect(ok).To(BeTrue())
		Expect(family.GetMetric()[0].GetCounter().GetValue()).To(Equal(1.0))

		families, err := other.Registry.Gather()
		Expect(err).ToNot(HaveOccurred())
		for _, fresh := range families {
			if fresh.GetName() == "nexusrag_audit_events_dropped_total" {
				Expect(fresh.GetMetric()[0].GetCounter().GetValue()).To(BeZero())
			}
		}
	})
})
