package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/logging"
	"github.com/wudi/tollgate/internal/registry"
	"github.com/wudi/tollgate/internal/rules"
	"github.com/wudi/tollgate/internal/store"
)

// Processor resolves the service and rule of a request and runs its
// filter chain on the calling goroutine.
type Processor struct {
	store     *store.Store
	chains    *filter.ChainFactory
	writer    *Writer
	keepAlive bool
	logger    *zap.Logger
}

// NewProcessor creates a processor. keepAlive is the server-side switch;
// a request keeps its connection only if both sides allow it.
func NewProcessor(s *store.Store, chains *filter.ChainFactory, writer *Writer, keepAlive bool, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = logging.Global()
	}
	return &Processor{store: s, chains: chains, writer: writer, keepAlive: keepAlive, logger: logger}
}

// Process handles one event. Failures before or inside the chain are
// written as error responses; a successful chain leaves the write to
// the router.
func (p *Processor) Process(ev Event) {
	if ev.Task != nil {
		ev.Task()
		return
	}
	in := ev.Request
	def, rule, lookupErr := p.resolve(in)

	uniqueID := ""
	protocol := "http"
	if def != nil {
		uniqueID = def.UniqueID
		if def.Protocol != "" {
			protocol = def.Protocol
		}
	}
	req := gwcontext.NewRequest(uniqueID, in)
	if rule != nil {
		req.SetTimeout(rule.Timeout())
	}
	ctx := gwcontext.NewContext(context.Background(), protocol, req, rule, p.keepAlive && in.KeepAlive)
	ctx.SetDefinition(def)
	ctx.SetAttribute(connAttr, ev.Conn)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("request processing panic",
				zap.String("request_id", ctx.RequestID()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			p.writer.WriteError(ctx, gwerrors.Wrap(fmt.Errorf("panic: %v", r), gwerrors.ErrInternal))
		}
	}()

	if lookupErr != nil {
		p.writer.WriteError(ctx, lookupErr)
		return
	}
	if err := p.chains.Build(ctx).Do(ctx); err != nil {
		p.writer.WriteError(ctx, err)
	}
}

func (p *Processor) resolve(in *gwcontext.Inbound) (*registry.ServiceDefinition, *rules.Rule, error) {
	var def *registry.ServiceDefinition
	var ok bool
	if id := in.Header.Get(HeaderUniqueID); id != "" {
		def, ok = p.store.ServiceDefinition(id)
	} else {
		def, ok = p.store.MatchServiceDefinition(in.Path)
	}
	if !ok || !def.Enabled() {
		return def, nil, gwerrors.ErrServiceNotFound
	}
	rule, ok := p.store.MatchRule(def.ServiceID, in.Path)
	if !ok {
		return def, nil, gwerrors.ErrPathNoMatched
	}
	return def, rule, nil
}
