package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/realtime"
)

// changesChannel — канал уведомлений об изменённых путях.
const changesChannel = "realtime_changes"

// maxPayload — ограничение PostgreSQL на размер полезной нагрузки NOTIFY с запасом.
const maxPayload = 7900

var (
	_ realtime.Updater = (*PostgresRepository)(nil)
	_ realtime.Raiser  = (*PostgresRepository)(nil)
)

// Get читает узел и всё его поддерево.
func (r *PostgresRepository) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	var snap realtime.Snapshot
	err := r.withRetry(ctx, func() error {
		var err error
		snap, err = r.read(ctx, path)
		return err
	})
	return snap, err
}

func (r *PostgresRepository) read(ctx context.Context, path string) (realtime.Snapshot, error) {
	path = realtime.Join(path)

	var (
		rows pgx.Rows
		err  error
	)
	if path == "" {
		rows, err = r.pool.Query(ctx, `SELECT path, value FROM realtime_nodes`)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT path, value FROM realtime_nodes WHERE path = $1 OR path LIKE $2`,
			path, likePrefix(path),
		)
	}
	if err != nil {
		return realtime.Snapshot{}, fmt.Errorf("select nodes: %w", err)
	}
	defer rows.Close()

	leaves := make(map[string]any)
	for rows.Next() {
		var (
			p   string
			raw []byte
		)
		if err := rows.Scan(&p, &raw); err != nil {
			return realtime.Snapshot{}, fmt.Errorf("scan node: %w", err)
		}
		v, err := realtime.Parse(raw)
		if err != nil {
			return realtime.Snapshot{}, fmt.Errorf("parse node %s: %w", p, err)
		}
		leaves[p] = v
	}
	if err := rows.Err(); err != nil {
		return realtime.Snapshot{}, fmt.Errorf("rows error: %w", err)
	}

	return realtime.NewSnapshot(path, realtime.Assemble(path, leaves)), nil
}

// Subscribe доставляет текущее значение пути и каждое его изменение.
func (r *PostgresRepository) Subscribe(path string, onValue func(realtime.Snapshot), _ func(error)) (realtime.Unsubscribe, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.subMu.Lock()
	defer r.subMu.Unlock()

	initial, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return r.hub.Attach(path, initial, onValue)
}

// Set записывает значение по пути; nil удаляет узел.
func (r *PostgresRepository) Set(ctx context.Context, path string, value any) error {
	return r.Update(ctx, map[string]any{path: value})
}

// Remove удаляет узел с поддеревом.
func (r *PostgresRepository) Remove(ctx context.Context, path string) error {
	return r.Set(ctx, path, nil)
}

// Push добавляет значение под новым ключом.
func (r *PostgresRepository) Push(ctx context.Context, path string, value any) (string, error) {
	key := realtime.NewKey()
	if err := r.Set(ctx, realtime.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Update применяет набор записей в одной транзакции. Подписчики узнают об
// изменении из уведомления, отправленного при фиксации.
func (r *PostgresRepository) Update(ctx context.Context, values map[string]any) error {
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, realtime.Join(p))
	}
	sort.Strings(paths)
	if err := realtime.CheckDisjoint(paths); err != nil {
		return err
	}

	leaves := make(map[string]map[string][]byte, len(values))
	for p, v := range values {
		n, err := realtime.Normalize(v)
		if err != nil {
			return err
		}
		encoded := make(map[string][]byte)
		for lp, lv := range realtime.Flatten(p, n) {
			raw, err := json.Marshal(lv)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", lp, err)
			}
			encoded[lp] = raw
		}
		leaves[realtime.Join(p)] = encoded
	}

	return r.withRetry(ctx, func() error {
		return r.write(ctx, paths, leaves)
	})
}

func (r *PostgresRepository) write(ctx context.Context, paths []string, leaves map[string]map[string][]byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range paths {
		if _, err := tx.Exec(ctx,
			`DELETE FROM realtime_nodes WHERE path = $1 OR path LIKE $2`,
			p, likePrefix(p),
		); err != nil {
			return fmt.Errorf("clear subtree %s: %w", p, err)
		}

		if len(leaves[p]) == 0 {
			continue
		}

		// скалярный предок перестаёт быть листом
		if ancestors := realtime.Ancestors(p); len(ancestors) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM realtime_nodes WHERE path = ANY($1)`,
				ancestors,
			); err != nil {
				return fmt.Errorf("clear ancestors %s: %w", p, err)
			}
		}

		batch := &pgx.Batch{}
		for lp, raw := range leaves[p] {
			batch.Queue(
				`INSERT INTO realtime_nodes (path, value) VALUES ($1, $2::jsonb)
				 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value`,
				lp, string(raw),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert leaves %s: %w", p, err)
		}
	}

	for _, payload := range notifyPayloads(paths) {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, changesChannel, payload); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Raise поднимает числовое значение пути до value. Сравнение и запись
// выполняются одним оператором, поэтому параллельная запись большего
// значения не перезаписывается.
func (r *PostgresRepository) Raise(ctx context.Context, path string, value int64) (bool, error) {
	path = realtime.Join(path)
	if path == "" {
		return false, realtime.ErrInvalidPath
	}

	var raised bool
	err := r.withRetry(ctx, func() error {
		var err error
		raised, err = r.raise(ctx, path, value)
		return err
	})
	return raised, err
}

func (r *PostgresRepository) raise(ctx context.Context, path string, value int64) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO realtime_nodes (path, value) VALUES ($1, to_jsonb($2::bigint))
		 ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value
		 WHERE jsonb_typeof(realtime_nodes.value) <> 'number'
		    OR (realtime_nodes.value)::numeric < $2::numeric`,
		path, value,
	)
	if err != nil {
		return false, fmt.Errorf("raise %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM realtime_nodes WHERE path LIKE $1`, likePrefix(path)); err != nil {
		return false, fmt.Errorf("clear subtree %s: %w", path, err)
	}
	if ancestors := realtime.Ancestors(path); len(ancestors) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM realtime_nodes WHERE path = ANY($1)`, ancestors); err != nil {
			return false, fmt.Errorf("clear ancestors %s: %w", path, err)
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, changesChannel, path); err != nil {
		return false, fmt.Errorf("notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// listen держит отдельное соединение с LISTEN и рассылает изменения подписчикам.
// После переподключения подписчики получают свежие значения, так как
// уведомления за время разрыва потеряны.
func (r *PostgresRepository) listen(ctx context.Context) {
	defer close(r.done)

	attempt := 0
	for ctx.Err() == nil {
		err := r.listenOnce(ctx, attempt > 0)
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("realtime listener disconnected", zap.Error(err))

		delay := r.retryDelays[min(attempt, len(r.retryDelays)-1)]
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *PostgresRepository) listenOnce(ctx context.Context, resync bool) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+changesChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if resync {
		r.publish(ctx, []string{""})
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait notification: %w", err)
		}
		r.publish(ctx, parsePayload(n.Payload))
	}
}

func (r *PostgresRepository) publish(ctx context.Context, changed []string) {
	if len(changed) == 0 {
		return
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	cache := make(map[string]realtime.Snapshot)
	failed := r.hub.Publish(changed, func(path string) (realtime.Snapshot, error) {
		if snap, ok := cache[path]; ok {
			return snap, nil
		}
		snap, err := r.Get(ctx, path)
		if err != nil {
			return realtime.Snapshot{}, err
		}
		cache[path] = snap
		return snap, nil
	})
	if len(failed) == 0 || ctx.Err() != nil {
		return
	}

	// подписки остаются; недоставленные пути перечитываются позже
	r.logger.Warn("realtime publish load failed, retrying", zap.Strings("paths", failed))
	time.AfterFunc(r.retryDelays[len(r.retryDelays)-1], func() { r.publish(ctx, failed) })
}

// likePrefix возвращает шаблон LIKE для потомков пути.
func likePrefix(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(path) + "/%"
}

// notifyPayloads упаковывает пути в полезные нагрузки NOTIFY, разделяя их переводом строки.
func notifyPayloads(paths []string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, p := range paths {
		if cur.Len() > 0 && cur.Len()+1+len(p) > maxPayload {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func parsePayload(payload string) []string {
	if payload == "" {
		return nil
	}
	return strings.Split(payload, "\n")
}

// errNoRows сообщает, что запрос не вернул строк.
func errNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
