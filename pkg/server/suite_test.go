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

package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/coordination"
	"github.com/nexusrag/nexusrag/pkg/fake"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/quota"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server")
}

var _ = Describe("Rate Limit Middleware", func() {
	var (
		mini    *miniredis.Miniredis
		emitter *fake.Emitter
		srv     *Server
	)

	newServer := func(addr string, failOpen bool) {
		emitter = &fake.Emitter{}
		coord := coordination.NewFromRedis(redis.NewClient(&redis.Options{Addr: addr}), zap.NewNop())
		m := metrics.NewMetrics()
		srv = &Server{
			config: Config{RLFailOpen: failOpen},
			limiter: ratelimit.NewLimiter(coord, map[ratelimit.RouteClass]ratelimit.Limit{
				ratelimit.ClassRun: {RPS: 1, Burst: 1},
			}, m, zap.NewNop()),
			auditor: emitter,
			metrics: m,
			logger:  zap.NewNop(),
		}
	}

	do := func() *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodPost, "/v1/run", nil)
		request = request.WithContext(auth.ToContext(request.Context(), auth.Principal{
			TenantID: "t_1", APIKeyID: "key_1", Role: auth.RoleEditor,
		}))
		srv.rateLimit(ratelimit.ClassRun)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(recorder, request)
		return recorder
	}

	BeforeEach(func() {
		var err error
		mini, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		mini.Close()
	})

	It("should reject over burst with the full rate-limit header set", func() {
		newServer(mini.Addr(), false)
		Expect(do().Code).To(Equal(http.StatusOK))

		denied := do()
		Expect(denied.Code).To(Equal(http.StatusTooManyRequests))
		retryAfter, err := strconv.Atoi(denied.Header().Get("Retry-After"))
		Expect(err).ToNot(HaveOccurred())
		Expect(retryAfter).To(BeNumerically(">=", 1))
		Expect(denied.Header().Get("X-RateLimit-Scope")).To(Equal("key"))
		Expect(denied.Header().Get("X-RateLimit-Route-Class")).To(Equal("run"))
		retryMS, err := strconv.Atoi(denied.Header().Get("X-RateLimit-Retry-After-Ms"))
		Expect(err).ToNot(HaveOccurred())
		Expect(retryMS).To(BeNumerically(">", 0))
	})

	It("should fail open with a degraded header and a single audit event", func() {
		newServer(mini.Addr(), true)
		mini.Close()

		first := do()
		Expect(first.Code).To(Equal(http.StatusOK))
		Expect(first.Header().Get("X-RateLimit-Status")).To(Equal("degraded"))
		Expect(emitter.EventsOfType(audit.EventSystemRateLimitDegraded)).To(HaveLen(1))

		// Within the throttle window the event is not repeated.
		second := do()
		Expect(second.Code).To(Equal(http.StatusOK))
		Expect(emitter.EventsOfType(audit.EventSystemRateLimitDegraded)).To(HaveLen(1))
	})

	It("should fail closed with 503 when configured", func() {
		newServer(mini.Addr(), false)
		mini.Close()
		Expect(do().Code).To(Equal(http.StatusServiceUnavailable))
	})
})

var _ = Describe("Quota Headers", func() {
	It("should expose limit, used, remaining, and the hard-cap mode per window", func() {
		recorder := httptest.NewRecorder()
		setQuotaHeaders(recorder, &quota.Charge{
			Day:            quota.Window{Limit: 100, Used: 97},
			Month:          quota.Window{Limit: 1000, Used: 53},
			SoftCapReached: true,
			HardCapMode:    quota.Enforce,
		})
		header := recorder.Header()
		Expect(header.Get("X-Quota-Day-Limit")).To(Equal("100"))
		Expect(header.Get("X-Quota-Day-Used")).To(Equal("97"))
		Expect(header.Get("X-Quota-Day-Remaining")).To(Equal("3"))
		Expect(header.Get("X-Quota-Month-Limit")).To(Equal("1000"))
		Expect(header.Get("X-Quota-Month-Used")).To(Equal("53"))
		Expect(header.Get("X-Quota-Month-Remaining")).To(Equal("947"))
		Expect(header.Get("X-Quota-HardCap-Mode")).To(Equal("enforce"))
		Expect(header.Get("X-Quota-SoftCap-Reached")).To(Equal("true"))
	})

	It("should omit the soft-cap header below the threshold", func() {
		recorder := httptest.NewRecorder()
		setQuotaHeaders(recorder, &quota.Charge{
			Day:         quota.Window{Limit: 100, Used: 10},
			Month:       quota.Window{Limit: 1000, Used: 10},
			HardCapMode: quota.Observe,
		})
		Expect(recorder.Header().Values("X-Quota-SoftCap-Reached")).To(BeEmpty())
	})
})

var _ = Describe("Client IP", func() {
	request := func(remoteAddr, forwarded string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
		r.RemoteAddr = remoteAddr
		if forwarded != "" {
			r.Header.Set("X-Forwarded-For", forwarded)
		}
		return r
	}

	It("should strip the port from host:port remote addresses", func() {
		Expect(clientIP(request("10.0.0.5:51234", ""))).To(Equal("10.0.0.5"))
		Expect(clientIP(request("[2001:db8::1]:51234", ""))).To(Equal("2001:db8::1"))
	})

	It("should pass through bare addresses left by the real-ip middleware", func() {
		Expect(clientIP(request("2001:db8::1", ""))).To(Equal("2001:db8::1"))
	})

	It("should prefer the first forwarded hop", func() {
		Expect(clientIP(request("10.0.0.5:51234", "203.0.113.9, 10.0.0.1"))).To(Equal("203.0.113.9"))
	})
})
