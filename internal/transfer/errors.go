package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Kind le dice al scheduler qué hacer con un intento fallido
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

var errStalled = errors.New("no data received within stall timeout")

// Error es lo que devuelve Transfer ante cualquier intento fallido
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError es un status HTTP inesperado
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// KindOf devuelve el Kind que trae err, clasificándolo si hace falta
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Classify(err)
}

// Classify decide si vale la pena reintentar un fallo. Solo mira tipos de
// error y códigos de status, nunca el texto del mensaje.
//
//   - cancelled: se canceló el contexto del llamador
//   - transient: 408, 425, 429, 5xx, stalls, timeouts, conexiones reseteadas
//     o rechazadas, broken pipe, bodies truncados, fallos de DNS
//   - permanent: cualquier otro status HTTP, disco lleno, cuota excedida,
//     permiso denegado, filesystem de solo lectura, certificados TLS inválidos
//
// Lo que no se reconoce es transient.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	if errors.Is(err, errStalled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var se *StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.Code)
	}

	switch {
	case errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, os.ErrPermission):
		return KindPermanent
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransient
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verifyErr        *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalidCert) || errors.As(err, &verifyErr) {
		return KindPermanent
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	return KindTransient
}

// ClassifyStatus traduce un status HTTP a un Kind
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

func newError(op string, err error) *Error {
	e := &Error{Kind: Classify(err), Op: op, Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		e.StatusCode = se.Code
	}
	return e
}
