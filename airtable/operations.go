package airtable

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/airtable-mcp-server/lifecycle"
)

// Operation describes one tool and how its arguments map onto an Airtable
// request.
//
// Placement: placeholders in Path are filled from the argument of the same
// name. Names in Query always go to the query string. Names in Local are
// consumed by Prepare or Shape and never sent. Everything else goes to the
// query string for GET and DELETE and to the JSON body otherwise.
type Operation struct {
	Name        string
	Description string
	Method      string
	Path        string
	Query       []string
	Local       []string
	// Paginate names the array field merged across pages. Pages are chained
	// through Airtable's offset cursor.
	Paginate string
	ReadOnly bool
	// Args returns a pointer to the argument struct. Its JSON tags define
	// the tool's input schema.
	Args func() any
	// Prepare may rewrite the decoded arguments before placement.
	Prepare func(args map[string]any) error
	// Shape may reduce the decoded response before it is rendered.
	Shape func(args map[string]any, resp map[string]any) (any, error)
}

type baseArgs struct {
	BaseID string `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
}

type tableRef struct {
	BaseID  string `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID string `json:"tableId" jsonschema_description:"ID or name of the table"`
}

type listBasesArgs struct{}

type listTablesArgs struct {
	BaseID      string `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	DetailLevel string `json:"detailLevel,omitempty" jsonschema:"enum=tableIdentifiersOnly,enum=identifiersOnly,enum=full" jsonschema_description:"How much of each table to return. Defaults to full."`
}

type describeTableArgs struct {
	BaseID      string `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID     string `json:"tableId" jsonschema_description:"ID or name of the table"`
	DetailLevel string `json:"detailLevel,omitempty" jsonschema:"enum=tableIdentifiersOnly,enum=identifiersOnly,enum=full" jsonschema_description:"How much of the table to return. Defaults to full."`
}

type sortSpec struct {
	Field     string `json:"field" jsonschema_description:"Field name or ID to sort by"`
	Direction string `json:"direction,omitempty" jsonschema:"enum=asc,enum=desc"`
}

type listRecordsArgs struct {
	BaseID          string     `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID         string     `json:"tableId" jsonschema_description:"ID or name of the table"`
	View            string     `json:"view,omitempty" jsonschema_description:"Name or ID of a view to read from"`
	MaxRecords      int        `json:"maxRecords,omitempty" jsonschema:"minimum=1" jsonschema_description:"Stop after this many records"`
	PageSize        int        `json:"pageSize,omitempty" jsonschema:"minimum=1,maximum=100"`
	FilterByFormula string     `json:"filterByFormula,omitempty" jsonschema_description:"Airtable formula selecting the records to return"`
	Sort            []sortSpec `json:"sort,omitempty"`
	Fields          []string   `json:"fields,omitempty" jsonschema_description:"Only return these fields"`
}

type searchRecordsArgs struct {
	BaseID       string   `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID      string   `json:"tableId" jsonschema_description:"ID or name of the table"`
	SearchTerm   string   `json:"searchTerm" jsonschema_description:"Text to look for, case-insensitive"`
	SearchFields []string `json:"searchFields" jsonschema_description:"Names of the text fields to search in"`
	View         string   `json:"view,omitempty"`
	MaxRecords   int      `json:"maxRecords,omitempty" jsonschema:"minimum=1"`
}

type getRecordArgs struct {
	BaseID   string `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID  string `json:"tableId" jsonschema_description:"ID or name of the table"`
	RecordID string `json:"recordId" jsonschema_description:"ID of the record, starting with rec"`
}

type newRecord struct {
	Fields map[string]any `json:"fields"`
}

type createRecordsArgs struct {
	BaseID   string      `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID  string      `json:"tableId" jsonschema_description:"ID or name of the table"`
	Records  []newRecord `json:"records" jsonschema:"minItems=1,maxItems=10"`
	Typecast bool        `json:"typecast,omitempty" jsonschema_description:"Let Airtable convert string values to the field type"`
}

type recordPatch struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type updateRecordsArgs struct {
	BaseID   string        `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID  string        `json:"tableId" jsonschema_description:"ID or name of the table"`
	Records  []recordPatch `json:"records" jsonschema:"minItems=1,maxItems=10"`
	Typecast bool          `json:"typecast,omitempty"`
}

type deleteRecordsArgs struct {
	BaseID  string   `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID string   `json:"tableId" jsonschema_description:"ID or name of the table"`
	Records []string `json:"records" jsonschema:"minItems=1,maxItems=10" jsonschema_description:"IDs of the records to delete"`
}

type fieldSpec struct {
	Name        string         `json:"name"`
	Type        string         `json:"type" jsonschema_description:"Airtable field type, for example singleLineText"`
	Description string         `json:"description,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type createTableArgs struct {
	BaseID      string      `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Fields      []fieldSpec `json:"fields" jsonschema:"minItems=1" jsonschema_description:"Table fields. The first one becomes the primary field."`
}

type updateTableArgs struct {
	BaseID      string `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID     string `json:"tableId" jsonschema_description:"ID of the table"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type createFieldArgs struct {
	BaseID      string         `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID     string         `json:"tableId" jsonschema_description:"ID of the table"`
	Name        string         `json:"name"`
	Type        string         `json:"type" jsonschema_description:"Airtable field type, for example singleLineText"`
	Description string         `json:"description,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type updateFieldArgs struct {
	BaseID      string `json:"baseId" jsonschema_description:"ID of the base, starting with app"`
	TableID     string `json:"tableId" jsonschema_description:"ID of the table"`
	FieldID     string `json:"fieldId" jsonschema_description:"ID of the field, starting with fld"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Operations is the dispatch table of every supported tool.
var Operations = []Operation{
	{
		Name:        "list_bases",
		Description: "List all bases the token can access.",
		Method:      http.MethodGet,
		Path:        "/v0/meta/bases",
		Paginate:    "bases",
		ReadOnly:    true,
		Args:        func() any { return new(listBasesArgs) },
	},
	{
		Name:        "list_tables",
		Description: "List the tables of a base with their fields and views.",
		Method:      http.MethodGet,
		Path:        "/v0/meta/bases/{baseId}/tables",
		Local:       []string{"detailLevel"},
		ReadOnly:    true,
		Args:        func() any { return new(listTablesArgs) },
		Shape:       shapeTables,
	},
	{
		Name:        "describe_table",
		Description: "Describe one table of a base.",
		Method:      http.MethodGet,
		Path:        "/v0/meta/bases/{baseId}/tables",
		Local:       []string{"tableId", "detailLevel"},
		ReadOnly:    true,
		Args:        func() any { return new(describeTableArgs) },
		Shape:       shapeDescribeTable,
	},
	{
		Name:        "list_records",
		Description: "List records of a table, following pagination.",
		Method:      http.MethodPost,
		Path:        "/v0/{baseId}/{tableId}/listRecords",
		Paginate:    "records",
		ReadOnly:    true,
		Args:        func() any { return new(listRecordsArgs) },
	},
	{
		Name:        "search_records",
		Description: "Find records whose text fields contain a search term.",
		Method:      http.MethodPost,
		Path:        "/v0/{baseId}/{tableId}/listRecords",
		Local:       []string{"searchTerm", "searchFields"},
		Paginate:    "records",
		ReadOnly:    true,
		Args:        func() any { return new(searchRecordsArgs) },
		Prepare:     prepareSearch,
	},
	{
		Name:        "get_record",
		Description: "Get a single record by ID.",
		Method:      http.MethodGet,
		Path:        "/v0/{baseId}/{tableId}/{recordId}",
		ReadOnly:    true,
		Args:        func() any { return new(getRecordArgs) },
	},
	{
		Name:        "create_records",
		Description: "Create up to 10 records in a table.",
		Method:      http.MethodPost,
		Path:        "/v0/{baseId}/{tableId}",
		Args:        func() any { return new(createRecordsArgs) },
	},
	{
		Name:        "update_records",
		Description: "Update fields of up to 10 records. Fields not mentioned are left unchanged.",
		Method:      http.MethodPatch,
		Path:        "/v0/{baseId}/{tableId}",
		Args:        func() any { return new(updateRecordsArgs) },
	},
	{
		Name:        "delete_records",
		Description: "Delete up to 10 records by ID.",
		Method:      http.MethodDelete,
		Path:        "/v0/{baseId}/{tableId}",
		Args:        func() any { return new(deleteRecordsArgs) },
	},
	{
		Name:        "create_table",
		Description: "Create a table in a base.",
		Method:      http.MethodPost,
		Path:        "/v0/meta/bases/{baseId}/tables",
		Args:        func() any { return new(createTableArgs) },
	},
	{
		Name:        "update_table",
		Description: "Rename a table or change its description.",
		Method:      http.MethodPatch,
		Path:        "/v0/meta/bases/{baseId}/tables/{tableId}",
		Args:        func() any { return new(updateTableArgs) },
	},
	{
		Name:        "create_field",
		Description: "Add a field to a table.",
		Method:      http.MethodPost,
		Path:        "/v0/meta/bases/{baseId}/tables/{tableId}/fields",
		Args:        func() any { return new(createFieldArgs) },
	},
	{
		Name:        "update_field",
		Description: "Rename a field or change its description.",
		Method:      http.MethodPatch,
		Path:        "/v0/meta/bases/{baseId}/tables/{tableId}/fields/{fieldId}",
		Args:        func() any { return new(updateFieldArgs) },
	},
}

// prepareSearch turns searchTerm and searchFields into a filterByFormula.
func prepareSearch(args map[string]any) error {
	term, _ := args["searchTerm"].(string)
	if term == "" {
		return lifecycle.InvalidArgumentsf("searchTerm must not be empty")
	}
	raw, _ := args["searchFields"].([]any)
	if len(raw) == 0 {
		return lifecycle.InvalidArgumentsf("searchFields must name at least one field")
	}
	clauses := make([]string, 0, len(raw))
	for _, f := range raw {
		name, _ := f.(string)
		if name == "" {
			return lifecycle.InvalidArgumentsf("searchFields must contain field names")
		}
		clauses = append(clauses, fmt.Sprintf("FIND(LOWER(%s), LOWER({%s} & \"\"))", formulaString(term), escapeFieldName(name)))
	}
	formula := clauses[0]
	if len(clauses) > 1 {
		formula = "OR(" + strings.Join(clauses, ", ") + ")"
	}
	args["filterByFormula"] = formula
	return nil
}

func formulaString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func escapeFieldName(s string) string {
	return strings.NewReplacer(`\`, `\\`, `}`, `\}`).Replace(s)
}

func shapeTables(args map[string]any, resp map[string]any) (any, error) {
	level, _ := args["detailLevel"].(string)
	tables, _ := resp["tables"].([]any)
	out := make([]any, 0, len(tables))
	for _, t := range tables {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, reduceTable(tm, level))
	}
	return map[string]any{"tables": out}, nil
}

func shapeDescribeTable(args map[string]any, resp map[string]any) (any, error) {
	want, _ := args["tableId"].(string)
	level, _ := args["detailLevel"].(string)
	tables, _ := resp["tables"].([]any)
	for _, t := range tables {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if tm["id"] == want || tm["name"] == want {
			return reduceTable(tm, level), nil
		}
	}
	return nil, fmt.Errorf("table %q not found in base", want)
}

// reduceTable trims a table schema to the requested detail level.
func reduceTable(t map[string]any, level string) map[string]any {
	switch level {
	case "tableIdentifiersOnly":
		return map[string]any{"id": t["id"], "name": t["name"]}
	case "identifiersOnly":
		out := map[string]any{"id": t["id"], "name": t["name"]}
		for _, key := range []string{"fields", "views"} {
			items, _ := t[key].([]any)
			ids := make([]any, 0, len(items))
			for _, it := range items {
				if m, ok := it.(map[string]any); ok {
					ids = append(ids, map[string]any{"id": m["id"], "name": m["name"]})
				}
			}
			out[key] = ids
		}
		return out
	default:
		return t
	}
}
