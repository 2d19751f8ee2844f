package snmp

import (
	"context"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
)

// ClientConfig tunes the gosnmp-backed worker.
type ClientConfig struct {
	// RequestsPerSecond and Burst bound the per-OLT request rate so a walk
	// does not flood a device's management plane.
	RequestsPerSecond float64
	Burst             int

	// Retries is the gosnmp transport-level retry count within one attempt.
	Retries int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestsPerSecond: 5,
		Burst:             2,
		Retries:           1,
	}
}

// Client is the production Worker: one gosnmp session per query, paced by
// a per-OLT rate limiter, with OIDs resolved from the profile catalog when
// the job carries none.
type Client struct {
	catalog *Catalog
	cfg     ClientConfig
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a gosnmp-backed worker.
func NewClient(catalog *Catalog, cfg ClientConfig, log *zap.SugaredLogger) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	return &Client{
		catalog:  catalog,
		cfg:      cfg,
		logger:   log.Named("snmp"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetRate retunes request pacing without dropping the per-OLT limiters,
// so a config reload applies to devices already being polled.
func (c *Client) SetRate(requestsPerSecond float64, burst int) {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	if burst <= 0 {
		burst = 2
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.RequestsPerSecond = requestsPerSecond
	c.cfg.Burst = burst
	for _, lim := range c.limiters {
		lim.SetLimit(rate.Limit(requestsPerSecond))
		lim.SetBurst(burst)
	}
}

// limiterFor returns the rate limiter for one OLT, creating it on first use.
func (c *Client) limiterFor(oltID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.limiters[oltID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
		c.limiters[oltID] = lim
	}
	return lim
}

// Execute runs one query against one OLT. The context carries the slot's
// hard ceiling; timeout is the per-operation-type request timeout.
func (c *Client) Execute(ctx context.Context, olt *poll.OLT, op poll.OperationType, oid string, timeout time.Duration) (*Result, error) {
	if oid == "" {
		resolved, err := c.catalog.Resolve(olt.Vendor, olt.Model, op)
		if err != nil {
			return nil, err
		}
		oid = resolved
	}

	if err := c.limiterFor(olt.ID).Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait aborted")
	}

	conn := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    olt.Host,
		Port:      uint16(olt.SNMPPort),
		Community: olt.SNMPCommunity,
		Version:   snmpVersion(olt.SNMPVersion),
		Timeout:   timeout,
		Retries:   c.cfg.Retries,
	}

	if err := conn.Connect(); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", olt.Host)
	}
	defer conn.Conn.Close()

	started := time.Now()

	var pdus []gosnmp.SnmpPDU
	var err error
	switch op {
	case poll.OpGet:
		pdus, err = c.get(conn, oid)
	case poll.OpWalk, poll.OpTable, poll.OpDiscovery:
		pdus, err = conn.WalkAll(oid)
	case poll.OpBulk:
		pdus, err = conn.BulkWalkAll(oid)
	default:
		return nil, errors.Newf("unknown operation type: %s", op)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{Elapsed: time.Since(started)}
	for _, pdu := range pdus {
		result.Values = append(result.Values, Value{
			OID:   pdu.Name,
			Type:  pdu.Type.String(),
			Value: pdu.Value,
		})
	}

	c.logger.Debugw("snmp query complete",
		"olt_id", olt.ID,
		"host", olt.Host,
		"operation", op,
		"oid", oid,
		"values", len(result.Values),
		"elapsed_ms", result.Elapsed.Milliseconds(),
	)

	return result, nil
}

// get runs a single GET and surfaces SNMP error replies as ProtocolError
// so Classify can map the subcode.
func (c *Client) get(conn *gosnmp.GoSNMP, oid string) ([]gosnmp.SnmpPDU, error) {
	packet, err := conn.Get([]string{oid})
	if err != nil {
		return nil, err
	}
	if packet.Error != gosnmp.NoError {
		return nil, &ProtocolError{Code: packet.Error, Index: packet.ErrorIndex, OID: oid}
	}

	// A GET for a missing object answers with an exception PDU, not an
	// error code, under v2c.
	for _, pdu := range packet.Variables {
		switch pdu.Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
			return nil, &ProtocolError{Code: gosnmp.NoSuchName, OID: pdu.Name}
		}
	}

	return packet.Variables, nil
}

func snmpVersion(v string) gosnmp.SnmpVersion {
	switch v {
	case "1":
		return gosnmp.Version1
	default:
		return gosnmp.Version2c
	}
}
