package main

import (
	"fmt"

	"github.com/liamcoop/automations/datasources"
	"github.com/liamcoop/automations/rules"
)

// API request and response models

// HealthResponse is returned by the health check
type HealthResponse struct {
	Status      string `json:"status" example:"healthy"`
	Storage     string `json:"storage" example:"postgres"`
	DataSources int    `json:"dataSources" example:"3"`
	Error       string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string             `json:"error" example:"rule validation failed"`
	Details *rules.ErrorDetail `json:"details,omitempty"`
}

// CreateDataSourceRequest represents the request body for creating a data source
type CreateDataSourceRequest struct {
	ID     string             `json:"id,omitempty" example:"customers"`
	Name   string             `json:"name" example:"Customers"`
	Schema datasources.Schema `json:"schema,omitempty"`
}

// DataSourcesListResponse represents the response for listing data sources
type DataSourcesListResponse struct {
	DataSources []*datasources.DataSource `json:"dataSources"`
}

// SchemaRequest replaces the column schema of a data source
type SchemaRequest struct {
	Schema datasources.Schema `json:"schema"`
}

// SchemaResponse represents a schema in API responses
type SchemaResponse struct {
	DataSourceID string             `json:"dataSourceId"`
	Schema       datasources.Schema `json:"schema"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// RowPayload is one data row with its fields in order
type RowPayload struct {
	ID     string         `json:"id,omitempty" example:"u1"`
	Fields *rules.DataRow `json:"fields"`
}

// TestRuleRequest evaluates an unsaved rule against sample rows
type TestRuleRequest struct {
	Rule *rules.Rule  `json:"rule"`
	Rows []RowPayload `json:"rows"`
}

// RunRequest runs the active rules of a data source. Without rows the stored
// rows are used.
type RunRequest struct {
	Mode rules.Mode   `json:"mode" example:"draft"`
	Rows []RowPayload `json:"rows,omitempty"`
}

// PutRowsRequest upserts rows into a data source
type PutRowsRequest struct {
	Rows []RowPayload `json:"rows"`
}

// PutRowsResponse lists the IDs of the stored rows
type PutRowsResponse struct {
	RowIDs []string `json:"rowIds"`
}

// MembersResponse lists the rows in a group
type MembersResponse struct {
	Group  string   `json:"group" example:"premium"`
	RowIDs []string `json:"rowIds"`
}

func toDataRows(payload []RowPayload) ([]*rules.DataRow, error) {
	rows := make([]*rules.DataRow, 0, len(payload))
	for i, p := range payload {
		if p.Fields == nil {
			return nil, &rules.ValidationError{Field: fmt.Sprintf("rows[%d]", i), Problems: []string{"fields are required"}}
		}
		p.Fields.ID = p.ID
		rows = append(rows, p.Fields)
	}
	return rows, nil
}
