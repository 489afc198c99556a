package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// RowHandler вызывается для каждой строки; data содержит значения колонок в виде []any.
// Если handler возвращает ошибку – чтение прекращается и она пробрасывается выше.
type RowHandler func(data []any) error

// StreamRows выполняет запрос и построчно обрабатывает результат через handler.
// Она не загружает весь набор данных в память.
// colsExpected – количество ожидаемых колонок; если 0 – не проверяется.
// Возвращает имена колонок результата.
func StreamRows(ctx context.Context, q Queryer, sql string, args []any, colsExpected int, handler RowHandler) ([]string, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return cols, err
		}
		if colsExpected > 0 && len(vals) != colsExpected {
			slog.Warn("stream: columns mismatch", "have", len(vals), "want", colsExpected)
		}
		if err := handler(vals); err != nil {
			return cols, err
		}
	}
	return cols, rows.Err()
}

// Strings собирает первую колонку результата в срез строк.
func Strings(ctx context.Context, q Queryer, sql string, args ...any) ([]string, error) {
	var out []string
	_, err := StreamRows(ctx, q, sql, args, 1, func(vals []any) error {
		s, ok := vals[0].(string)
		if !ok {
			return fmt.Errorf("unexpected %T in text column", vals[0])
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
