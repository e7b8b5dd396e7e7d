package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
	storagemysql "OpenMCP-Escrow/internal/storage/mysql"
)

// MySQLStore 将账本持久化到 MySQL。行级锁 (SELECT ... FOR UPDATE) 保证
// 同一 agent 或账户上的并发事务被串行化。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 建立连接并执行迁移。
func NewMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storagemysql.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 使用现有连接池构造存储，不执行迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Update 实现 Store。
func (s *MySQLStore) Update(ctx context.Context, fn func(Tx) error) ([]Event, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	tx := &mysqlTx{ctx: ctx, tx: sqlTx, writable: true, now: s.now}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return tx.emitted, nil
}

// View 实现 Store。
func (s *MySQLStore) View(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启只读事务失败")
	}
	defer sqlTx.Rollback()
	return fn(&mysqlTx{ctx: ctx, tx: sqlTx, now: s.now})
}

// Close 关闭底层连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type mysqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
	now      func() time.Time
	emitted  []Event
}

func (t *mysqlTx) lockClause() string {
	if t.writable {
		return " FOR UPDATE"
	}
	return ""
}

func (t *mysqlTx) LookupAgent(agentID string) (ledger.ObjectID, bool, error) {
	var ref string
	err := t.tx.QueryRowContext(t.ctx, `SELECT object_id FROM escrow_agents WHERE agent_id = ?`+t.lockClause(), agentID).Scan(&ref)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 注册表失败")
	}
	return ledger.ObjectID(ref), true, nil
}

func (t *mysqlTx) AgentIDs() ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT agent_id FROM escrow_agents ORDER BY registry_seq ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 列表失败")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 agent 列表失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 agent 列表失败")
	}
	return ids, nil
}

func (t *mysqlTx) AgentCount() (int, error) {
	var count int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM escrow_agents`).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计 agent 数量失败")
	}
	return count, nil
}

func (t *mysqlTx) Agent(ref ledger.ObjectID) (*Agent, error) {
	const query = `SELECT object_id, agent_id, creator, cost_per_message, system_prompt, balance, created_at, updated_at
        FROM escrow_agents WHERE object_id = ?`

	var (
		agent   Agent
		id      string
		creator string
		balance uint64
	)
	err := t.tx.QueryRowContext(t.ctx, query+t.lockClause(), ref.String()).Scan(
		&id,
		&agent.AgentID,
		&creator,
		&agent.CostPerMessage,
		&agent.SystemPrompt,
		&balance,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(CodeAgentNotFound, "", xerrors.WithMetadata("agent_ref", ref.String()))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 失败")
	}
	agent.ID = ledger.ObjectID(id)
	agent.Creator = common.HexToAddress(creator)
	agent.Balance = ledger.NewBalance(balance)
	return &agent, nil
}

func (t *mysqlTx) AccountBalance(addr ledger.Address) (ledger.Balance, error) {
	var balance uint64
	err := t.tx.QueryRowContext(t.ctx, `SELECT balance FROM escrow_accounts WHERE address = ?`+t.lockClause(), addr.Hex()).Scan(&balance)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, nil
	}
	if err != nil {
		return ledger.Balance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户余额失败")
	}
	return ledger.NewBalance(balance), nil
}

func (t *mysqlTx) Events(filter EventFilter) ([]Event, error) {
	filter.applyDefaults()

	var (
		clauses []string
		args    []any
	)
	clauses = append(clauses, "seq > ?")
	args = append(args, filter.AfterSeq)
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, typ := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(typ))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	args = append(args, filter.Limit)

	query := `SELECT seq, payload FROM escrow_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC LIMIT ?`
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			seq     uint64
			payload string
			evt     Event
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码事件失败")
		}
		evt.Seq = seq
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return events, nil
}

func (t *mysqlTx) RegisterAgent(agent *Agent) error {
	if !t.writable {
		return errReadOnly
	}
	if agent == nil || strings.TrimSpace(agent.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}

	const stmt = `INSERT INTO escrow_agents
        (object_id, agent_id, creator, cost_per_message, system_prompt, balance, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.tx.ExecContext(t.ctx, stmt,
		agent.ID.String(),
		agent.AgentID,
		agent.Creator.Hex(),
		agent.CostPerMessage,
		agent.SystemPrompt,
		agent.Balance.Value(),
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		if storagemysql.IsDuplicateKey(err) {
			return xerrors.New(CodeDuplicateAgent, "", xerrors.WithMetadata("agent_id", agent.AgentID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 agent 失败")
	}
	return nil
}

func (t *mysqlTx) PutAgent(agent *Agent) error {
	if !t.writable {
		return errReadOnly
	}

	const stmt = `UPDATE escrow_agents SET cost_per_message = ?, system_prompt = ?, balance = ?, updated_at = ?
        WHERE object_id = ?`

	res, err := t.tx.ExecContext(t.ctx, stmt,
		agent.CostPerMessage,
		agent.SystemPrompt,
		agent.Balance.Value(),
		agent.UpdatedAt,
		agent.ID.String(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 agent 失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(CodeAgentNotFound, "", xerrors.WithMetadata("agent_ref", agent.ID.String()))
	}
	return nil
}

func (t *mysqlTx) Credit(addr ledger.Address, coin ledger.Coin) error {
	if !t.writable {
		return errReadOnly
	}
	balance, err := t.AccountBalance(addr)
	if err != nil {
		return err
	}
	if err := balance.Join(coin); err != nil {
		return err
	}
	return t.saveAccount(addr, balance)
}

func (t *mysqlTx) Debit(addr ledger.Address, amount uint64) (ledger.Coin, error) {
	if !t.writable {
		return ledger.Coin{}, errReadOnly
	}
	balance, err := t.AccountBalance(addr)
	if err != nil {
		return ledger.Coin{}, err
	}
	coin, err := balance.Split(amount)
	if err != nil {
		return ledger.Coin{}, err
	}
	if err := t.saveAccount(addr, balance); err != nil {
		return ledger.Coin{}, err
	}
	return coin, nil
}

func (t *mysqlTx) saveAccount(addr ledger.Address, balance ledger.Balance) error {
	const stmt = `INSERT INTO escrow_accounts (address, balance, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE balance = VALUES(balance), updated_at = VALUES(updated_at)`

	if _, err := t.tx.ExecContext(t.ctx, stmt, addr.Hex(), balance.Value(), t.now().UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新账户余额失败")
	}
	return nil
}

func (t *mysqlTx) Emit(evt Event) error {
	if !t.writable {
		return errReadOnly
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码事件失败")
	}

	const stmt = `INSERT INTO escrow_events (event_type, agent_id, payload, created_at) VALUES (?, ?, ?, ?)`
	res, err := t.tx.ExecContext(t.ctx, stmt, string(evt.Type), evt.AgentID, string(payload), evt.TimestampMs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取事件序号失败")
	}
	evt.Seq = uint64(seq)
	t.emitted = append(t.emitted, evt)
	return nil
}
