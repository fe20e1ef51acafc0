package sync

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/store"
)

const masterTable = "master_records"

// ChangeListener follows the MySQL binlog of the MASTER table and pushes
// every record whose push_pending flag rises. Only available on MySQL.
type ChangeListener struct {
	cfg    config.DatabaseConnection
	engine *Engine
}

func NewChangeListener(cfg config.DatabaseConnection, engine *Engine) (*ChangeListener, error) {
	if cfg.Driver != "mysql" {
		return nil, fmt.Errorf("change listener needs mysql, not %q", cfg.Driver)
	}
	return &ChangeListener{cfg: cfg, engine: engine}, nil
}

func (l *ChangeListener) newCanal() (*canal.Canal, error) {
	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port),
		User:     l.cfg.ReplicationUser,
		Password: l.cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: 1001,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // follow the binlog only
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(l.cfg.Database), masterTable)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}
	return c, nil
}

func (l *ChangeListener) String() string { return "binlog-change-listener" }

// Serve follows the binlog from the current master position and pushes
// changed records until ctx is cancelled.
func (l *ChangeListener) Serve(ctx context.Context) error {
	c, err := l.newCanal()
	if err != nil {
		return err
	}
	pos, err := c.GetMasterPos()
	if err != nil {
		c.Close()
		return fmt.Errorf("read master position: %w", err)
	}
	logger.Log.Info("Starting binlog listener",
		zap.String("host", l.cfg.Host),
		zap.String("binlog_file", pos.Name),
		zap.Uint32("binlog_pos", pos.Pos),
	)

	h := &eventHandler{
		canal:     c,
		tenantID:  l.engine.TenantID(),
		eventChan: make(chan ChangeEvent, 1024),
		done:      make(chan struct{}),
	}
	c.SetEventHandler(h)

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.RunFrom(pos)
	}()

	for {
		select {
		case ev := <-h.eventChan:
			l.handle(ctx, ev)
		case err := <-runErr:
			close(h.done)
			c.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.Error("Canal run error", zap.Error(err))
			return err
		case <-ctx.Done():
			close(h.done)
			c.Close()
			logger.Log.Info("Stopped binlog listener")
			return ctx.Err()
		}
	}
}

func (l *ChangeListener) handle(ctx context.Context, ev ChangeEvent) {
	logger.Log.Debug("Push-pending change", zap.Stringer("event", ev))
	if _, err := l.engine.Push(ctx, ev.EntityID, PushBulk); err != nil {
		logger.Log.Warn("Realtime push failed",
			zap.String("entity_id", ev.EntityID),
			zap.Error(err),
		)
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	canal     *canal.Canal
	tenantID  string
	eventChan chan ChangeEvent
	done      chan struct{}
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table.Name != masterTable {
		return nil
	}
	idCol := e.Table.FindColumn("id")
	tenantCol := e.Table.FindColumn("tenant_id")
	typeCol := e.Table.FindColumn("entity_type")
	pendingCol := e.Table.FindColumn("push_pending")
	if idCol < 0 || tenantCol < 0 || typeCol < 0 || pendingCol < 0 {
		return nil
	}

	var rows [][]interface{}
	var eventType EventType
	switch e.Action {
	case canal.InsertAction:
		eventType = Insert
		rows = e.Rows
	case canal.UpdateAction:
		eventType = Update
		// rows come in before/after pairs
		for i := 0; i+1 < len(e.Rows); i += 2 {
			if !truthy(e.Rows[i][pendingCol]) {
				rows = append(rows, e.Rows[i+1])
			}
		}
	default:
		return nil
	}

	events := changeEvents(eventType, rows, h.tenantID, idCol, tenantCol, typeCol, pendingCol)
	pos := h.canal.SyncedPosition()
	for _, ev := range events {
		ev.BinlogFile, ev.BinlogPos = pos.Name, pos.Pos
		if e.Header != nil {
			ev.Timestamp = e.Header.Timestamp
		}
		// block for backpressure rather than drop changes
		select {
		case h.eventChan <- ev:
		case <-h.done:
			return context.Canceled
		}
	}
	return nil
}

func (h *eventHandler) String() string {
	return "MasterChangeHandler"
}

// changeEvents keeps the rows of tenantID that are push-pending.
func changeEvents(eventType EventType, rows [][]interface{}, tenantID string, idCol, tenantCol, typeCol, pendingCol int) []ChangeEvent {
	var out []ChangeEvent
	for _, row := range rows {
		if !truthy(row[pendingCol]) {
			continue
		}
		tenant := fmt.Sprint(row[tenantCol])
		if tenant != tenantID {
			continue
		}
		out = append(out, ChangeEvent{
			Type:       eventType,
			TenantID:   tenant,
			EntityID:   fmt.Sprint(row[idCol]),
			EntityType: store.EntityType(fmt.Sprint(row[typeCol])),
		})
	}
	return out
}

// truthy reads a TINYINT(1) column value as decoded by the binlog parser.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int8:
		return b != 0
	case int16:
		return b != 0
	case int32:
		return b != 0
	case int64:
		return b != 0
	case int:
		return b != 0
	case uint8:
		return b != 0
	case []byte:
		n, _ := strconv.Atoi(string(b))
		return n != 0
	case string:
		n, _ := strconv.Atoi(b)
		return n != 0
	default:
		return false
	}
}
