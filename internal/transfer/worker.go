// Package transfer mueve los bytes de una tarea de descarga.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/metrics"
)

const (
	bufferSize  = 32 * 1024
	speedWindow = 5 * time.Second
)

// CookieSource entrega las cookies de sesión para una URL de descarga
type CookieSource interface {
	CookiesFor(ctx context.Context, u *url.URL) ([]*http.Cookie, error)
}

type Options struct {
	UserAgent        string
	ConnectTimeout   time.Duration
	HeaderTimeout    time.Duration
	StallTimeout     time.Duration
	ProgressInterval time.Duration
	ProgressBytes    int64
	RateLimitKBps    int
	Cookies          CookieSource
	Transport        http.RoundTripper
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = 30 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 60 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = time.Second
	}
	if o.ProgressBytes <= 0 {
		o.ProgressBytes = 4 << 20
	}
}

// Job es la copia de la tarea que el worker necesita para un intento
type Job struct {
	TaskID   string
	URL      string
	Dir      string
	Filename string
	// Offset es el último downloadedSize persistido
	Offset int64
}

// JobFor arma el intento a partir de una tarea
func JobFor(t *domain.DownloadTask) Job {
	return Job{
		TaskID:   t.ID,
		URL:      t.URL,
		Dir:      t.DestDir,
		Filename: t.Filename,
		Offset:   t.DownloadedSize,
	}
}

// TempPath es único por tarea: dos workers nunca comparten un archivo parcial
func (j Job) TempPath() string {
	return filepath.Join(j.Dir, "."+j.Filename+"."+j.TaskID+".part")
}

func (j Job) FinalPath() string {
	return filepath.Join(j.Dir, j.Filename)
}

type Progress struct {
	Downloaded int64
	Total      int64
	Speed      int64
}

type ReportFunc func(Progress)

type Result struct {
	Path string
	Size int64
}

// ErrTargetExists indica que el archivo final ya existe y no se sobrescribe
var ErrTargetExists = errors.New("destination file already exists")

type Worker struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	log     zerolog.Logger

	// dirs creados por un intento, por tarea, para quitarlos en Discard si quedan vacíos
	dirsMu sync.Mutex
	dirs   map[string]string
}

func NewWorker(opts Options, log zerolog.Logger) *Worker {
	opts.applyDefaults()

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		t.TLSHandshakeTimeout = opts.ConnectTimeout
		t.ResponseHeaderTimeout = opts.HeaderTimeout
		// los offsets se refieren a la representación almacenada
		t.DisableCompression = true
		transport = t
	}

	w := &Worker{
		client: &http.Client{Transport: transport},
		opts:   opts,
		log:    log.With().Str("component", "transfer").Logger(),
		dirs:   make(map[string]string),
	}

	if opts.RateLimitKBps > 0 {
		bps := opts.RateLimitKBps * 1024
		burst := bps
		if burst < bufferSize {
			burst = bufferSize
		}
		w.limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}

	return w
}

// Transfer ejecuta un intento. Reanuda desde job.Offset si el archivo parcial
// lo permite, informa el progreso con report y al terminar mueve el parcial a
// su nombre final sin pisar un archivo existente. Todo fallo es un *Error.
func (w *Worker) Transfer(ctx context.Context, job Job, report ReportFunc) (*Result, error) {
	log := w.log.With().Str("task_id", job.TaskID).Logger()

	if err := w.ensureDir(job); err != nil {
		return nil, newError("create destination", err)
	}

	f, offset, err := openPartial(job)
	if errors.Is(err, os.ErrNotExist) {
		// otra tarea pudo quitar el directorio vacío entre ensureDir y open
		if err = w.ensureDir(job); err == nil {
			f, offset, err = openPartial(job)
		}
	}
	if err != nil {
		return nil, newError("open partial file", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stall := time.AfterFunc(w.opts.StallTimeout, func() { cancel(errStalled) })
	defer stall.Stop()

	resp, err := w.do(ctx, job, offset)
	if err != nil {
		return nil, w.ctxError(ctx, "request", err)
	}
	defer resp.Body.Close()

	total := domain.UnknownSize
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			if err := rewind(f); err != nil {
				return nil, newError("reset partial file", err)
			}
			return nil, &Error{Kind: KindTransient, Op: "resume", Err: fmt.Errorf("server returned range starting at %d, wanted %d", start, offset)}
		}
		total = size
		if total < 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			log.Info().Int64("offset", offset).Msg("Server ignored range request, restarting from zero")
			if err := rewind(f); err != nil {
				return nil, newError("reset partial file", err)
			}
			offset = 0
		}
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		_, size, _ := parseContentRange(resp.Header.Get("Content-Range"))
		if size != offset {
			if err := rewind(f); err != nil {
				return nil, newError("reset partial file", err)
			}
			return nil, &Error{Kind: KindTransient, Op: "resume", StatusCode: resp.StatusCode, Err: &StatusError{Code: resp.StatusCode}}
		}
		// el parcial ya tiene el recurso completo
		total = size

	default:
		return nil, newError("request", &StatusError{Code: resp.StatusCode})
	}

	downloaded := offset
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		downloaded, err = w.copy(ctx, f, resp.Body, offset, total, stall, report)
		if err != nil {
			return nil, err
		}
	}

	if total >= 0 && downloaded != total {
		return nil, &Error{Kind: KindTransient, Op: "download", Err: fmt.Errorf("got %d of %d bytes: %w", downloaded, total, io.ErrUnexpectedEOF)}
	}

	if err := f.Sync(); err != nil {
		return nil, newError("flush partial file", err)
	}
	if err := f.Close(); err != nil {
		return nil, newError("close partial file", err)
	}
	if err := finalize(job.TempPath(), job.FinalPath()); err != nil {
		if errors.Is(err, ErrTargetExists) {
			return nil, &Error{Kind: KindPermanent, Op: "finalize file", Err: err}
		}
		return nil, newError("finalize file", err)
	}
	w.forgetDir(job.TaskID)

	if report != nil {
		report(Progress{Downloaded: downloaded, Total: downloaded})
	}

	log.Info().Int64("bytes", downloaded).Str("path", job.FinalPath()).Msg("Transfer finished")
	return &Result{Path: job.FinalPath(), Size: downloaded}, nil
}

// Discard borra el archivo parcial de un job y el directorio que su tarea
// creó, si quedó vacío.
func (w *Worker) Discard(job Job) error {
	if err := os.Remove(job.TempPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	if dir := w.forgetDir(job.TaskID); dir != "" {
		// falla si otra tarea ya escribió ahí, y entonces se queda
		if err := os.Remove(dir); err == nil {
			w.log.Debug().Str("task_id", job.TaskID).Str("dir", dir).Msg("Removed empty destination directory")
		}
	}
	return nil
}

// ensureDir crea el directorio destino y recuerda si lo creó este worker
func (w *Worker) ensureDir(job Job) error {
	if _, err := os.Stat(job.Dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(job.Dir, 0755); err != nil {
		return err
	}
	w.dirsMu.Lock()
	w.dirs[job.TaskID] = job.Dir
	w.dirsMu.Unlock()
	return nil
}

func (w *Worker) forgetDir(taskID string) string {
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()
	dir := w.dirs[taskID]
	delete(w.dirs, taskID)
	return dir
}

// finalize publica tmp como final sin sobrescribir. El hard link falla con
// EEXIST si el destino existe; si el sistema de archivos no admite links se
// comprueba el destino antes de renombrar.
func finalize(tmp, final string) error {
	err := os.Link(tmp, final)
	switch {
	case err == nil:
		// el archivo ya quedó publicado
		_ = os.Remove(tmp)
		return nil
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%s: %w", final, ErrTargetExists)
	}
	if _, serr := os.Lstat(final); serr == nil {
		return fmt.Errorf("%s: %w", final, ErrTargetExists)
	}
	return os.Rename(tmp, final)
}

func (w *Worker) do(ctx context.Context, job Job, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Op: "build request", Err: err}
	}
	if w.opts.UserAgent != "" {
		req.Header.Set("User-Agent", w.opts.UserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	if w.opts.Cookies != nil {
		cookies, err := w.opts.Cookies.CookiesFor(ctx, req.URL)
		if err != nil {
			w.log.Warn().Err(err).Str("task_id", job.TaskID).Msg("Failed to load cookies, continuing without them")
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}

	return w.client.Do(req)
}

func (w *Worker) copy(ctx context.Context, f *os.File, body io.Reader, offset, total int64, stall *time.Timer, report ReportFunc) (int64, error) {
	buf := make([]byte, bufferSize)
	meter := newSpeedMeter(speedWindow)
	downloaded := offset

	start := time.Now()
	meter.Add(start, downloaded)
	lastReport, lastBytes := start, downloaded

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if w.limiter != nil {
				// la espera del limitador no cuenta como stall
				stall.Stop()
				if err := w.limiter.WaitN(ctx, n); err != nil {
					return downloaded, w.ctxError(ctx, "throttle", err)
				}
			}
			stall.Reset(w.opts.StallTimeout)

			if _, err := f.Write(buf[:n]); err != nil {
				return downloaded, newError("write", err)
			}
			downloaded += int64(n)
			metrics.BytesDownloadedTotal.Add(float64(n))

			now := time.Now()
			meter.Add(now, downloaded)
			if report != nil && (now.Sub(lastReport) >= w.opts.ProgressInterval || downloaded-lastBytes >= w.opts.ProgressBytes) {
				report(Progress{Downloaded: downloaded, Total: total, Speed: meter.Rate()})
				lastReport, lastBytes = now, downloaded
			}
		}

		if rerr == io.EOF {
			return downloaded, nil
		}
		if rerr != nil {
			return downloaded, w.ctxError(ctx, "read body", rerr)
		}
	}
}

// ctxError atribuye el fallo a un stall o a la cancelación cuando el contexto
// del intento terminó, y si no clasifica err
func (w *Worker) ctxError(ctx context.Context, op string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errStalled) {
			return &Error{Kind: KindTransient, Op: op, Err: errStalled}
		}
		return &Error{Kind: KindCancelled, Op: op, Err: context.Canceled}
	}
	return newError(op, err)
}

// openPartial abre el archivo temporal posicionado en el offset de reanudación.
// Los bytes posteriores al offset persistido se descartan: nunca se informaron.
func openPartial(job Job) (*os.File, int64, error) {
	f, err := os.OpenFile(job.TempPath(), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	offset := job.Offset
	if offset < 0 {
		offset = 0
	}
	if info.Size() < offset {
		offset = info.Size()
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, 0, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}

	return f, offset, nil
}

func rewind(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// parseContentRange interpreta "bytes start-end/size" y "bytes */size".
// size es -1 cuando el servidor manda "*".
func parseContentRange(header string) (start, size int64, ok bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, domain.UnknownSize, false
	}
	spec := strings.TrimPrefix(header, "bytes ")

	rangePart, sizePart, found := strings.Cut(spec, "/")
	if !found {
		return 0, domain.UnknownSize, false
	}

	size = domain.UnknownSize
	if sizePart != "*" {
		n, err := strconv.ParseInt(sizePart, 10, 64)
		if err != nil {
			return 0, domain.UnknownSize, false
		}
		size = n
	}

	if rangePart == "*" {
		return 0, size, true
	}

	first, _, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, size, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, size, false
	}
	return start, size, true
}
