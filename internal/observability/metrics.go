package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 전역 레지스트리에 등록할 hop-veil 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 hopveil_ 접두어를 붙입니다.

var (
	// Outbound Rewriter 처리 결과 (rewritten, bypass, error).
	RewritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopveil_rewrites_total",
			Help: "Total number of outbound requests seen by the rewriter, labeled by result.",
		},
		[]string{"result"},
	)

	// Inbound Unwrapper 가 처리한 청크 수 (approval, passthrough, decrypted, error).
	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopveil_chunks_total",
			Help: "Total number of relay chunks handled by the unwrapper, labeled by kind.",
		},
		[]string{"kind"},
	)

	// 암복호화 실패 (op: encrypt, decrypt).
	CipherErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopveil_cipher_errors_total",
			Help: "Total number of cipher failures, labeled by operation.",
		},
		[]string{"op"},
	)

	// DTLS 핸드셰이크 총 횟수 (성공/실패 라벨 포함).
	DTLSHandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopveil_dtls_handshakes_total",
			Help: "Total number of DTLS handshakes on the relay link, labeled by result.",
		},
		[]string{"result"}, // success, failure
	)

	// relay 가 처리한 교환 수 (메서드/상태 코드 라벨 포함).
	RelayExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopveil_relay_exchanges_total",
			Help: "Total number of envelope exchanges handled by the relay, labeled by method and upstream status code.",
		},
		[]string{"method", "status"},
	)

	// relay 교환 처리 시간 분포 (메서드 라벨 포함).
	RelayExchangeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hopveil_relay_exchange_duration_seconds",
			Help:    "Histogram of relay exchange latencies in seconds, labeled by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Dispatcher 가 업스트림으로 보낸 요청 수.
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopveil_dispatch_requests_total",
			Help: "Total number of requests forwarded by the dispatcher, labeled by upstream and status code.",
		},
		[]string{"upstream", "status"},
	)

	// Proxy 에러 카운터 (에러 유형 라벨 포함).
	ProxyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopveil_proxy_errors_total",
			Help: "Total number of proxy-related errors, labeled by error type.",
		},
		[]string{"type"}, // e.g. relay_dial_failed, encode_failed, upstream_failed
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 프로세스 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		RewritesTotal,
		ChunksTotal,
		CipherErrorsTotal,
		DTLSHandshakesTotal,
		RelayExchangesTotal,
		RelayExchangeDurationSeconds,
		DispatchRequestsTotal,
		ProxyErrorsTotal,
	)
}

// Handler 는 /metrics 용 promhttp 핸들러를 반환합니다.
func Handler() http.Handler {
	return promhttp.Handler()
}
