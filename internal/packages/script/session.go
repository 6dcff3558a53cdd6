package script

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/VizierDB/web-api-async-sub004/internal/datastore"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// session is the state a single script run shares with its Lua globals.
type session struct {
	ctx     context.Context
	tctx    *task.Context
	stdout  io.Writer
	capture *task.Capture

	// Artifacts written or deleted by this run shadow the task context.
	written    map[string]task.ArtifactDescriptor
	deleted    map[string]bool
	provenance task.Provenance
}

func newSession(ctx context.Context, tctx *task.Context, console *task.Console) *session {
	return &session{
		ctx:     ctx,
		tctx:    tctx,
		stdout:  console.Stdout(),
		written: make(map[string]task.ArtifactDescriptor),
		deleted: make(map[string]bool),
	}
}

// install binds the session's functions as Lua globals.
func (s *session) install(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(s.print))
	L.SetGlobal("sleep", L.NewFunction(s.sleep))
	L.SetGlobal("show_html", L.NewFunction(s.show(task.HTMLOutput)))
	L.SetGlobal("show_markdown", L.NewFunction(s.show(task.MarkdownOutput)))

	vizierdb := L.NewTable()
	L.SetFuncs(vizierdb, map[string]lua.LGFunction{
		"get_dataset":    s.getDataset,
		"create_dataset": s.createDataset,
		"delete_dataset": s.deleteDataset,
		"show_dataset":   s.showDataset,
		"show_chart":     s.showChart,
	})
	L.SetGlobal("vizierdb", vizierdb)
}

func (s *session) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	fmt.Fprintln(s.stdout, strings.Join(parts, "\t"))
	return 0
}

func (s *session) sleep(L *lua.LState) int {
	seconds := float64(L.CheckNumber(1))
	if seconds <= 0 {
		return 0
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		L.RaiseError("sleep interrupted: %v", s.ctx.Err())
	}
	return 0
}

func (s *session) show(output func(string) task.OutputObject) lua.LGFunction {
	return func(L *lua.LState) int {
		s.capture.Emit(output(L.CheckString(1)))
		return 0
	}
}

// resolve looks a dataset up, taking this run's writes and deletes into
// account. fromContext is false for datasets created by the run itself.
func (s *session) resolve(name string) (d task.ArtifactDescriptor, fromContext bool, err error) {
	key := strings.ToLower(name)
	if s.deleted[key] {
		return d, false, &task.UnknownArtifactError{Kind: "dataset", Name: name}
	}
	if d, ok := s.written[key]; ok {
		return d, false, nil
	}
	d, err = s.tctx.Dataset(name)
	return d, err == nil, err
}

func (s *session) store(L *lua.LState) datastore.Datastore {
	if s.tctx == nil || s.tctx.Datastore == nil {
		L.RaiseError("no datastore is bound to this task")
	}
	return s.tctx.Datastore
}

func (s *session) raise(L *lua.LState, err error) {
	L.RaiseError("%s", task.FormatError(err))
}

// lookup resolves name and records the read. A name the run did not write
// that cannot be resolved is recorded as read with no identifier.
func (s *session) lookup(name string) (task.ArtifactDescriptor, error) {
	key := strings.ToLower(name)
	d, fromContext, err := s.resolve(name)
	switch {
	case err != nil:
		if _, seen := s.provenance.Read[key]; !seen {
			s.provenance.RecordRead(key, nil)
		}
	case fromContext:
		id := d.Identifier
		s.provenance.RecordRead(key, &id)
	}
	return d, err
}

func (s *session) load(L *lua.LState, name string) *datastore.Dataset {
	d, err := s.lookup(name)
	if err != nil {
		s.raise(L, err)
	}
	ds, err := s.store(L).GetDataset(s.ctx, d.Identifier)
	if err != nil {
		s.raise(L, err)
	}
	return ds
}

// vizierdb.get_dataset(name) returns {id=, columns={...}, rows={{...}}}.
func (s *session) getDataset(L *lua.LState) int {
	ds := s.load(L, L.CheckString(1))
	L.Push(datasetTable(L, ds))
	return 1
}

// vizierdb.create_dataset(name, columns, rows) returns the new identifier.
func (s *session) createDataset(L *lua.LState) int {
	name := strings.ToLower(L.CheckString(1))
	names := L.CheckTable(2)
	rowsTable := L.OptTable(3, L.NewTable())

	var columns []datastore.Column
	names.ForEach(func(_, v lua.LValue) {
		columns = append(columns, datastore.Column{ID: len(columns), Name: v.String()})
	})
	var rows [][]any
	rowsTable.ForEach(func(_, v lua.LValue) {
		row, ok := v.(*lua.LTable)
		if !ok {
			L.ArgError(3, "rows must be tables")
		}
		values := make([]any, len(columns))
		for i := range columns {
			values[i] = toGoValue(row.RawGetInt(i + 1))
		}
		rows = append(rows, values)
	})

	ds, err := s.store(L).CreateDataset(s.ctx, columns, rows)
	if err != nil {
		s.raise(L, err)
	}
	d := task.ArtifactDescriptor{Identifier: ds.ID, ArtifactType: task.DatasetType}
	s.written[name] = d
	delete(s.deleted, name)
	s.provenance.RecordWrite(name, &d)

	L.Push(lua.LString(ds.ID))
	return 1
}

// vizierdb.delete_dataset(name) removes name from the project.
func (s *session) deleteDataset(L *lua.LState) int {
	name := L.CheckString(1)
	if _, err := s.lookup(name); err != nil {
		s.raise(L, err)
	}
	key := strings.ToLower(name)
	delete(s.written, key)
	s.deleted[key] = true
	if s.provenance.Write != nil {
		delete(s.provenance.Write, key)
	}
	s.provenance.RecordDelete(key)
	return 0
}

// vizierdb.show_dataset(name) emits a dataset view output.
func (s *session) showDataset(L *lua.LState) int {
	name := L.CheckString(1)
	ds := s.load(L, name)
	s.capture.Emit(task.DatasetOutput(task.DatasetView{
		ID:       ds.ID,
		Name:     strings.ToLower(name),
		Columns:  ds.ColumnNames(),
		Rows:     ds.Rows,
		RowCount: len(ds.Rows),
	}))
	return 0
}

// vizierdb.show_chart(name, {type=, x=, series={...}}) emits a chart of the
// dataset's columns. type defaults to "bar"; x is optional.
func (s *session) showChart(L *lua.LState) int {
	name := L.CheckString(1)
	opts := L.CheckTable(2)
	ds := s.load(L, name)

	column := func(col string) []any {
		idx := slices.Index(ds.ColumnNames(), col)
		if idx < 0 {
			L.ArgError(2, fmt.Sprintf("unknown column '%s'", col))
		}
		values := make([]any, len(ds.Rows))
		for i, row := range ds.Rows {
			if idx < len(row) {
				values[i] = row[idx]
			}
		}
		return values
	}

	view := task.ChartView{Dataset: strings.ToLower(name), ChartType: "bar"}
	if t := opts.RawGetString("type"); t != lua.LNil {
		view.ChartType = t.String()
	}
	if x := opts.RawGetString("x"); x != lua.LNil {
		view.XAxis = column(x.String())
	}
	series, ok := opts.RawGetString("series").(*lua.LTable)
	if !ok || series.Len() == 0 {
		L.ArgError(2, "series must list at least one column")
	}
	series.ForEach(func(_, v lua.LValue) {
		view.Series = append(view.Series, task.ChartSeries{Column: v.String(), Values: column(v.String())})
	})

	s.capture.Emit(task.ChartOutput(view))
	return 0
}
