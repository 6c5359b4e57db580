// Package reveal implements the off-ledger decryption service of the
// module. The contracts only ever manipulate ciphertext handles; this
// service is the single place where a plaintext is recovered, and it does so
// only for identities present in the access list bound to the handle.
//
// The service is asynchronous with respect to the ledger: a request is
// posted and answered on its own channel, and serving it never mutates any
// contract state. Access lists only grow, so a request made after a
// successful grant remains authorizable indefinitely.
package reveal

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/dela"
	"golang.org/x/xerrors"

	privote "github.com/water4699/privote"
)

// defines prometheus metrics
var (
	promRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privote_reveal_requests_total",
		Help: "total number of decryption requests",
	})

	promDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privote_reveal_denied_total",
		Help: "total number of decryption requests denied by the access list",
	})
)

func init() {
	dela.PromCollectors = append(dela.PromCollectors, promRequests, promDenied)
}

// Decrypter recovers the plaintext of a ciphertext handle.
type Decrypter interface {
	Decrypt(ciphertext []byte) (uint64, error)
}

// AccessReader returns the identities currently allowed to decrypt a
// handle.
type AccessReader interface {
	Access(handle []byte) ([]string, error)
}

// Result is the outcome of a decryption request.
type Result struct {
	ID    string
	Value uint64
	Err   error
}

type request struct {
	id        string
	handle    []byte
	requester string
	average   bool
	count     uint64
	resp      chan Result
}

// Service serves decryption requests over the handles of a single contract.
type Service struct {
	dec      Decrypter
	acl      AccessReader
	requests chan request
	closing  chan struct{}
	logger   zerolog.Logger
}

// NewService creates a decryption service and starts its processing loop.
func NewService(dec Decrypter, acl AccessReader) *Service {
	srvc := &Service{
		dec:      dec,
		acl:      acl,
		requests: make(chan request),
		closing:  make(chan struct{}),
		logger:   privote.Logger.With().Str("service", "reveal").Logger(),
	}

	go srvc.process()

	return srvc
}

// Decrypt posts a request to reveal the plaintext of the handle to the
// requester. The returned channel receives exactly one result.
func (s *Service) Decrypt(ctx context.Context, handle []byte, requester string) <-chan Result {
	return s.post(ctx, request{
		id:        xid.New().String(),
		handle:    append([]byte{}, handle...),
		requester: requester,
		resp:      make(chan Result, 1),
	})
}

// Average posts a request to reveal the truncated average of an encrypted
// sum over a public count. The requester must be allowed to decrypt the sum
// handle.
func (s *Service) Average(ctx context.Context, handle []byte, count uint64,
	requester string) <-chan Result {

	req := request{
		id:        xid.New().String(),
		handle:    append([]byte{}, handle...),
		requester: requester,
		average:   true,
		count:     count,
		resp:      make(chan Result, 1),
	}

	if count == 0 {
		req.resp <- Result{ID: req.id, Err: xerrors.New("cannot average over an empty aggregate")}
		return req.resp
	}

	return s.post(ctx, req)
}

// Close stops the processing loop. Requests posted afterwards are answered
// with an error.
func (s *Service) Close() error {
	close(s.closing)

	return nil
}

func (s *Service) post(ctx context.Context, req request) <-chan Result {
	select {
	case <-s.closing:
		req.resp <- Result{ID: req.id, Err: xerrors.New("service closed")}
		return req.resp
	default:
	}

	select {
	case s.requests <- req:
	case <-s.closing:
		req.resp <- Result{ID: req.id, Err: xerrors.New("service closed")}
	case <-ctx.Done():
		req.resp <- Result{ID: req.id, Err: ctx.Err()}
	}

	return req.resp
}

func (s *Service) process() {
	for {
		select {
		case <-s.closing:
			return
		case req := <-s.requests:
			req.resp <- s.serve(req)
		}
	}
}

func (s *Service) serve(req request) Result {
	promRequests.Inc()

	logger := s.logger.With().Str("request", req.id).Logger()

	access, err := s.acl.Access(req.handle)
	if err != nil {
		return Result{ID: req.id, Err: xerrors.Errorf("failed to read access list: %v", err)}
	}

	granted := false
	for _, ident := range access {
		if ident == req.requester {
			granted = true
			break
		}
	}

	if !granted {
		promDenied.Inc()
		logger.Warn().Str("requester", req.requester).Msg("request denied")

		return Result{
			ID:  req.id,
			Err: xerrors.Errorf("'%s' is not authorized to decrypt the handle", req.requester),
		}
	}

	value, err := s.dec.Decrypt(req.handle)
	if err != nil {
		return Result{ID: req.id, Err: xerrors.Errorf("failed to decrypt: %v", err)}
	}

	if req.average {
		value /= req.count
	}

	logger.Info().Msg("handle revealed")

	return Result{ID: req.id, Value: value}
}
