package dispatch

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/dalbodeule/hop-veil/internal/errorpages"
	"github.com/dalbodeule/hop-veil/internal/logging"
	"github.com/dalbodeule/hop-veil/internal/observability"
)

// DefaultGroupHeader 는 그룹 키를 읽는 기본 요청 헤더입니다.
const DefaultGroupHeader = "X-Hop-Group"

// Config 는 Dispatcher 구성입니다.
type Config struct {
	Upstreams      []string
	GroupHeader    string
	GroupCacheSize int
	Revisers       []Reviser
	Transport      http.RoundTripper
	Logger         logging.Logger
}

type targetKey struct{}

// Dispatcher 는 그룹별로 고정된 업스트림으로 요청을 전달하는 http.Handler 입니다. (ko)
// Dispatcher reverse-proxies each request to the upstream its group is
// pinned to. The group comes from GroupHeader, or the request path when the
// header is absent. (en)
type Dispatcher struct {
	Logger logging.Logger

	selector    *Selector
	groupHeader string
	revisers    []Reviser
	proxy       *httputil.ReverseProxy
}

// New 는 Dispatcher 를 생성합니다.
func New(cfg Config) (*Dispatcher, error) {
	sel, err := NewSelector(cfg.Upstreams, cfg.GroupCacheSize)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdJSONLogger("dispatch")
	}
	header := cfg.GroupHeader
	if header == "" {
		header = DefaultGroupHeader
	}
	d := &Dispatcher{
		Logger:      logger.With(logging.Fields{"component": "dispatcher"}),
		selector:    sel,
		groupHeader: header,
		revisers:    cfg.Revisers,
	}
	d.proxy = &httputil.ReverseProxy{
		Rewrite:        d.rewrite,
		Transport:      cfg.Transport,
		ModifyResponse: d.modifyResponse,
		ErrorHandler:   d.errorHandler,
	}
	return d, nil
}

// Selector 는 내부 Selector 입니다. (admin API 용)
func (d *Dispatcher) Selector() *Selector { return d.selector }

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	group := r.Header.Get(d.groupHeader)
	if group == "" {
		group = r.URL.Path
	}
	target := d.selector.Pick(group)

	for _, rv := range d.revisers {
		if err := rv.ReviseRequest(r); err != nil {
			d.Logger.Warn("request reviser rejected request", logging.Fields{
				"group": group,
				"error": err.Error(),
			})
			observability.DispatchRequestsTotal.WithLabelValues(target.Host, strconv.Itoa(http.StatusBadRequest)).Inc()
			errorpages.Render(w, r, http.StatusBadRequest)
			return
		}
	}

	d.Logger.Debug("dispatching request", logging.Fields{
		"group":    group,
		"upstream": target.String(),
		"method":   r.Method,
		"path":     r.URL.Path,
	})
	d.proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), targetKey{}, target)))
}

func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest) {
	target := pr.In.Context().Value(targetKey{}).(*url.URL)
	pr.SetURL(target)
	pr.SetXForwarded()
	pr.Out.Header.Del(d.groupHeader)
}

func (d *Dispatcher) modifyResponse(resp *http.Response) error {
	for _, rv := range d.revisers {
		if err := rv.ReviseResponse(resp); err != nil {
			return err
		}
	}
	observability.DispatchRequestsTotal.WithLabelValues(resp.Request.URL.Host, strconv.Itoa(resp.StatusCode)).Inc()
	return nil
}

func (d *Dispatcher) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	upstream := ""
	if target, ok := r.Context().Value(targetKey{}).(*url.URL); ok {
		upstream = target.Host
	}
	d.Logger.Error("upstream request failed", logging.Fields{
		"upstream": upstream,
		"path":     r.URL.Path,
		"error":    err.Error(),
	})
	observability.DispatchRequestsTotal.WithLabelValues(upstream, strconv.Itoa(http.StatusBadGateway)).Inc()
	errorpages.Render(w, r, http.StatusBadGateway)
}

// NewHTTPServer 는 H1/H2 를 지원하는 기본 HTTP 서버를 생성합니다.
// HTTP/2 설정에 실패하면 경고만 남기고 HTTP/1.1 로 동작합니다.
func NewHTTPServer(addr string, handler http.Handler, logger logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	configureHTTP2(srv, logger)
	return srv
}

func configureHTTP2(srv *http.Server, logger logging.Logger) {
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		if logger == nil {
			logger = logging.NewNop()
		}
		logger.Warn("http2 disabled, serving HTTP/1.1 only", logging.Fields{
			"addr":  srv.Addr,
			"error": err.Error(),
		})
	}
}
