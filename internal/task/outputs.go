package task

// OutputType is the MIME-like kind of an output object.
type OutputType string

// Output kinds.
const (
	OutputText     OutputType = "text/plain"
	OutputHTML     OutputType = "text/html"
	OutputMarkdown OutputType = "text/markdown"
	OutputDataset  OutputType = "dataset/view"
	OutputChart    OutputType = "chart/view"
)

// OutputObject is one typed output.
type OutputObject struct {
	Type  OutputType `json:"type"`
	Value any        `json:"value"`
}

// TextOutput creates a plain text output.
func TextOutput(s string) OutputObject {
	return OutputObject{Type: OutputText, Value: s}
}

// HTMLOutput creates an HTML output.
func HTMLOutput(s string) OutputObject {
	return OutputObject{Type: OutputHTML, Value: s}
}

// MarkdownOutput creates a markdown output.
func MarkdownOutput(s string) OutputObject {
	return OutputObject{Type: OutputMarkdown, Value: s}
}

// DatasetView is the value of a dataset/view output.
type DatasetView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"rowCount"`
}

// DatasetOutput creates a dataset view output.
func DatasetOutput(view DatasetView) OutputObject {
	return OutputObject{Type: OutputDataset, Value: view}
}

// ChartSeries is one plotted column of a chart.
type ChartSeries struct {
	Column string `json:"column"`
	Values []any  `json:"values"`
}

// ChartView is the value of a chart/view output.
type ChartView struct {
	Dataset   string        `json:"dataset"`
	ChartType string        `json:"chartType"`
	XAxis     []any         `json:"xAxis,omitempty"`
	Series    []ChartSeries `json:"series"`
}

// ChartOutput creates a chart view output.
func ChartOutput(view ChartView) OutputObject {
	return OutputObject{Type: OutputChart, Value: view}
}

// Outputs holds the two ordered output streams of a task.
type Outputs struct {
	Stdout []OutputObject `json:"stdout"`
	Stderr []OutputObject `json:"stderr"`
}

// ErrorOutputs returns outputs holding only the formatted error.
func ErrorOutputs(err error) Outputs {
	var o Outputs
	o.Error(err)
	return o
}

// Print appends to stdout.
func (o *Outputs) Print(obj OutputObject) {
	o.Stdout = append(o.Stdout, obj)
}

// PrintError appends to stderr.
func (o *Outputs) PrintError(obj OutputObject) {
	o.Stderr = append(o.Stderr, obj)
}

// Error appends the formatted error to stderr.
func (o *Outputs) Error(err error) {
	o.PrintError(TextOutput(FormatError(err)))
}

// IsEmpty reports whether both streams are empty.
func (o Outputs) IsEmpty() bool {
	return len(o.Stdout) == 0 && len(o.Stderr) == 0
}

// Append adds other's streams after o's.
func (o *Outputs) Append(other Outputs) {
	o.Stdout = append(o.Stdout, other.Stdout...)
	o.Stderr = append(o.Stderr, other.Stderr...)
}
