// Package mcp exposes the query pipeline as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/agent/pkg/session"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// Compiler answers a question against a dataset.
type Compiler interface {
	CompileAndRun(ctx context.Context, sess *session.Session, question, datasetRef string) (*executor.Result, error)
}

type Config struct {
	Logger   *slog.Logger
	Compiler Compiler
	Registry *dataset.Registry
	Sessions *session.Store
	Version  string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Compiler == nil {
		return errors.New("compiler is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

type CompileAndRunInput struct {
	Question  string `json:"question" jsonschema:"the question about the dataset in plain English"`
	Dataset   string `json:"dataset,omitempty" jsonschema:"dataset reference; defaults to the session dataset"`
	SessionID string `json:"session_id,omitempty" jsonschema:"session from start_session, to carry conversation history"`
}

type Answer struct {
	Summary   string   `json:"summary"`
	Synopsis  string   `json:"synopsis,omitempty"`
	Meta      string   `json:"meta,omitempty"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows,omitempty"`
	Scalar    any      `json:"scalar,omitempty"`
	Truncated bool     `json:"truncated"`
	Total     int      `json:"total_rows"`
	Program   string   `json:"program"`
	Origin    string   `json:"origin"`
	Template  string   `json:"template,omitempty"`
}

type StartSessionInput struct {
	Dataset string `json:"dataset" jsonschema:"dataset reference the session asks about"`
}

type StartSessionOutput struct {
	SessionID string `json:"session_id"`
	Dataset   string `json:"dataset"`
}

type ListDatasetsOutput struct {
	Datasets []DatasetInfo `json:"datasets"`
}

type DescribeDatasetInput struct {
	Dataset string `json:"dataset" jsonschema:"dataset reference"`
}

type DatasetInfo struct {
	Ref     string       `json:"ref"`
	Rows    int          `json:"rows"`
	Columns []ColumnInfo `json:"columns"`
}

type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Server holds the MCP tool set.
type Server struct {
	log    *slog.Logger
	cfg    Config
	server *mcp.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		server: mcp.NewServer(&mcp.Implementation{Name: "churnguard-lake", Version: cfg.Version}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "compile_and_run",
		Description: "Answer a question about a published tabular dataset. The question is compiled into a validated read-only query and run against the current snapshot.",
	}, s.compileAndRun)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "start_session",
		Description: "Start a conversation over one dataset. Pass the returned session_id to compile_and_run so follow-up questions see earlier turns.",
	}, s.startSession)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_datasets",
		Description: "List the published datasets and their columns.",
	}, s.listDatasets)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "describe_dataset",
		Description: "Show the columns and row count of one dataset.",
	}, s.describeDataset)

	return s, nil
}

// Run serves the tools over stdio until ctx is done or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves the tools over t. It is used by tests and embedders.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

func (s *Server) compileAndRun(ctx context.Context, _ *mcp.CallToolRequest, in CompileAndRunInput) (*mcp.CallToolResult, Answer, error) {
	if in.Question == "" {
		return nil, Answer{}, errors.New("question is required")
	}
	var sess *session.Session
	if in.SessionID != "" {
		id, err := uuid.Parse(in.SessionID)
		if err != nil {
			return nil, Answer{}, errors.New("session_id is not a valid id")
		}
		sess, err = s.cfg.Sessions.Get(id)
		if err != nil {
			return nil, Answer{}, errors.New("session not found or expired, start a new session")
		}
	}
	if sess == nil && in.Dataset == "" {
		return nil, Answer{}, errors.New("dataset is required without a session")
	}

	res, err := s.cfg.Compiler.CompileAndRun(ctx, sess, in.Question, in.Dataset)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			return nil, Answer{}, fmt.Errorf("no dataset is published as %q", in.Dataset)
		}
		if queryerr.KindOf(err) == "" {
			s.log.Error("mcp: compile_and_run failed", "error", err)
		}
		return nil, Answer{}, errors.New(queryerr.UserMessage(err))
	}
	return nil, answerOf(res), nil
}

func answerOf(res *executor.Result) Answer {
	a := Answer{
		Summary:   res.Summary,
		Synopsis:  res.Synopsis,
		Meta:      res.Meta,
		Columns:   res.ColumnNames(),
		Rows:      res.Rows,
		Truncated: res.Truncated,
		Total:     res.Total,
		Program:   res.Program,
		Origin:    string(res.Origin),
		Template:  res.Template,
	}
	if res.IsScalar {
		a.Scalar = res.Scalar
	}
	return a
}

func (s *Server) startSession(_ context.Context, _ *mcp.CallToolRequest, in StartSessionInput) (*mcp.CallToolResult, StartSessionOutput, error) {
	_, release, err := s.cfg.Registry.Acquire(in.Dataset)
	if err != nil {
		return nil, StartSessionOutput{}, fmt.Errorf("no dataset is published as %q", in.Dataset)
	}
	release()
	sess := s.cfg.Sessions.Create(in.Dataset)
	s.log.Info("mcp: session started", "session_id", sess.ID(), "dataset", in.Dataset)
	return nil, StartSessionOutput{SessionID: sess.ID().String(), Dataset: in.Dataset}, nil
}

func (s *Server) datasetInfo(ref string) (DatasetInfo, bool) {
	snap, release, err := s.cfg.Registry.Acquire(ref)
	if err != nil {
		return DatasetInfo{}, false
	}
	defer release()
	info := DatasetInfo{Ref: ref, Rows: snap.Len()}
	for _, c := range snap.Catalog().Columns() {
		info.Columns = append(info.Columns, ColumnInfo{Name: c.Name, Type: string(c.Type)})
	}
	return info, true
}

func (s *Server) listDatasets(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, ListDatasetsOutput, error) {
	out := ListDatasetsOutput{Datasets: []DatasetInfo{}}
	for _, ref := range s.cfg.Registry.Refs() {
		if info, ok := s.datasetInfo(ref); ok {
			out.Datasets = append(out.Datasets, info)
		}
	}
	return nil, out, nil
}

func (s *Server) describeDataset(_ context.Context, _ *mcp.CallToolRequest, in DescribeDatasetInput) (*mcp.CallToolResult, DatasetInfo, error) {
	info, ok := s.datasetInfo(in.Dataset)
	if !ok {
		return nil, DatasetInfo{}, fmt.Errorf("no dataset is published as %q", in.Dataset)
	}
	return nil, info, nil
}
