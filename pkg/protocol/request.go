package protocol

import (
	"context"
	"io"
	"net/http"
	"sync"
)

type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestHeadersReceived
	RequestInProgress
	RequestFinished
	RequestErrored
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestHeadersReceived:
		return "headers_received"
	case RequestInProgress:
		return "in_progress"
	case RequestFinished:
		return "finished"
	case RequestErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s RequestStatus) terminal() bool {
	return s == RequestFinished || s == RequestErrored
}

// TotalSize имеет смысл только при TotalKnown
type Progress struct {
	TotalSize  uint64
	TotalKnown bool
	Downloaded uint64
}

type RequestResult struct {
	Success   bool
	TotalSize uint64
}

// RequestObserver подключается в StartRequest до отправки команды и видит
// все уведомления запроса. Пустые поля пропускаются.
type RequestObserver struct {
	OnStarted              func(body io.ReadCloser)
	OnProgress             func(Progress)
	OnHeaders              func(headers http.Header, statusCode int)
	OnCertificateRequested func() *Certificate
	OnFinish               func(RequestResult, error)
}

// Request - клиентский обработчик запроса, выполняемого в сервисе.
//
// Наблюдатели вызываются в горутине обработки уведомлений после обновления
// состояния. Поток ответа, полученный через Body или WaitBody, принадлежит
// вызывающему.
type Request struct {
	client *Client
	id     OperationID

	mu         sync.Mutex
	status     RequestStatus
	headers    http.Header
	statusCode int
	progress   Progress
	body       io.ReadCloser
	result     RequestResult
	err        error

	onStarted              func(body io.ReadCloser)
	onProgress             func(Progress)
	onHeaders              func(headers http.Header, statusCode int)
	onCertificateRequested func() *Certificate
	onFinish               func(RequestResult, error)

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
}

func newRequest(c *Client, id OperationID) *Request {
	return &Request{
		client:  c,
		id:      id,
		status:  RequestPending,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Request) ID() OperationID {
	return r.id
}

func (r *Request) Status() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Headers возвращает копию заголовков ответа или nil до
// headers_became_available.
func (r *Request) Headers() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers.Clone()
}

func (r *Request) StatusCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCode, r.statusCode != 0
}

func (r *Request) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Request) Body() io.ReadCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

func (r *Request) Result() RequestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err выставляется, если запрос завершился без request_finished.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) observe(o RequestObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.OnStarted != nil {
		r.onStarted = o.OnStarted
	}

	if o.OnProgress != nil {
		r.onProgress = o.OnProgress
	}

	if o.OnHeaders != nil {
		r.onHeaders = o.OnHeaders
	}

	if o.OnCertificateRequested != nil {
		r.onCertificateRequested = o.OnCertificateRequested
	}

	if o.OnFinish != nil {
		r.onFinish = o.OnFinish
	}
}

// OnStarted и остальные On* заменяют наблюдателя на ходу. Уведомления,
// обработанные до вызова, не повторяются.
func (r *Request) OnStarted(fn func(body io.ReadCloser)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStarted = fn
}

func (r *Request) OnProgress(fn func(Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onProgress = fn
}

// statusCode равен 0, если сервис его не прислал
func (r *Request) OnHeaders(fn func(headers http.Header, statusCode int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onHeaders = fn
}

// OnCertificateRequested: непустой сертификат из fn устанавливается через
// SetCertificate.
func (r *Request) OnCertificateRequested(fn func() *Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCertificateRequested = fn
}

func (r *Request) OnFinish(fn func(RequestResult, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = fn
}

func (r *Request) Stop(ctx context.Context) (bool, error) {
	return r.client.StopRequest(ctx, r)
}

func (r *Request) SetCertificate(ctx context.Context, cert Certificate) (bool, error) {
	return r.client.SetCertificate(ctx, r, cert)
}

func (r *Request) Done() <-chan struct{} {
	return r.done
}

func (r *Request) Wait(ctx context.Context) (RequestResult, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return RequestResult{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.result, r.err
}

func (r *Request) WaitBody(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-r.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.body == nil {
		if r.err != nil {
			return nil, r.err
		}

		return nil, ErrNoResponseStream
	}

	return r.body, nil
}

func (r *Request) markStarted() {
	r.startedOnce.Do(func() { close(r.started) })
}

func (r *Request) didStart(body io.ReadCloser) {
	r.mu.Lock()
	if r.status.terminal() || r.body != nil {
		r.mu.Unlock()

		if body != nil {
			body.Close()
		}

		return
	}

	r.body = body
	fn := r.onStarted
	r.mu.Unlock()

	r.markStarted()

	if fn != nil {
		fn(body)
	}
}

func (r *Request) didProgress(total *uint64, downloaded uint64) {
	r.mu.Lock()
	if r.status.terminal() {
		r.mu.Unlock()
		return
	}

	r.status = RequestInProgress
	r.progress.Downloaded = downloaded

	if total != nil {
		r.progress.TotalSize = *total
		r.progress.TotalKnown = true
	}

	p := r.progress
	fn := r.onProgress
	r.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

func (r *Request) didReceiveHeaders(headers http.Header, statusCode *uint32) {
	r.mu.Lock()
	if r.status.terminal() {
		r.mu.Unlock()
		return
	}

	r.status = RequestHeadersReceived
	r.headers = headers

	if statusCode != nil {
		r.statusCode = int(*statusCode)
	}

	code := r.statusCode
	fn := r.onHeaders
	r.mu.Unlock()

	if fn != nil {
		fn(headers.Clone(), code)
	}
}

func (r *Request) didRequestCertificate() {
	r.mu.Lock()
	if r.status.terminal() {
		r.mu.Unlock()
		return
	}

	fn := r.onCertificateRequested
	r.mu.Unlock()

	if fn == nil {
		return
	}

	cert := fn()
	if cert == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.client.cfg.CallTimeout)
	defer cancel()

	ok, err := r.client.SetCertificate(ctx, r, *cert)
	if err != nil || !ok {
		r.client.logger.Warn("failed to answer certificate request",
			"id", r.id,
			"accepted", ok,
			"error", err,
		)
	}
}

func (r *Request) didFinish(success bool, totalSize uint64) {
	r.finish(RequestFinished, RequestResult{Success: success, TotalSize: totalSize}, nil)
}

func (r *Request) didFail(err error) {
	r.finish(RequestErrored, RequestResult{}, err)
}

func (r *Request) finish(status RequestStatus, result RequestResult, err error) {
	r.mu.Lock()
	if r.status.terminal() {
		r.mu.Unlock()
		return
	}

	r.status = status
	r.result = result
	r.err = err
	fn := r.onFinish
	r.mu.Unlock()

	r.markStarted()
	close(r.done)

	if fn != nil {
		fn(result, err)
	}
}
