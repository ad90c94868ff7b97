package remote

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type RestConfig struct {
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key"`
	PathPrefix   string `json:"path_prefix"`
	Table        string `json:"table"`
	OwnerColumn  string `json:"owner_column"`
	EntityColumn string `json:"entity_column"`
	FlagColumn   string `json:"flag_column"`
}

// RestRemote talks to a PostgREST-style table API. Rows are written with
// merge-duplicates on the (owner, entity) conflict key.
type RestRemote struct {
	logger types.Logger
	client *client.HTTPClient
	config *RestConfig
	token  atomic.Pointer[string]
}

func NewRestRemote(ctx context.Context, logger types.Logger, config *types.RemoteConfig, clientConfig *types.ClientConfig, opts ...client.Option) (*RestRemote, error) {
	restConfig := &RestConfig{
		PathPrefix:   "/rest/v1",
		Table:        "catches",
		OwnerColumn:  "user_id",
		EntityColumn: "pokemon_id",
		FlagColumn:   "caught_shiny",
	}

	if err := utils.UnmarshalConfig(config.Config, restConfig); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal rest remote config")
	}

	if restConfig.BaseURL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "rest remote requires base_url")
	}

	restConfig.BaseURL = strings.TrimRight(restConfig.BaseURL, "/")

	return &RestRemote{
		logger: logger,
		client: client.NewHTTPClient(ctx, logger, "remote", clientConfig, opts...),
		config: restConfig,
	}, nil
}

// BindSession sets the bearer token sent with every following request.
func (r *RestRemote) BindSession(accessToken string) {
	r.token.Store(&accessToken)
}

func (r *RestRemote) Upsert(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	payload := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		if row.OwnerID == "" {
			return types.ErrOwnerEmpty
		}
		payload = append(payload, map[string]interface{}{
			r.config.OwnerColumn:  row.OwnerID,
			r.config.EntityColumn: row.EntityID,
			r.config.FlagColumn:   row.Flag,
		})
	}

	body, err := utils.Marshal(payload)
	if err != nil {
		return types.WrapError(err, "failed to marshal upsert rows")
	}

	query := url.Values{}
	query.Set("on_conflict", r.config.OwnerColumn+","+r.config.EntityColumn)

	headers := r.headers()
	headers["Prefer"] = "resolution=merge-duplicates,return=minimal"

	_, _, err = r.client.Call(ctx, fasthttp.MethodPost, r.tableURL(query), body, headers)
	if err != nil {
		return types.Errorf(types.ErrRemoteRequestFailed, "upsert %d rows: %v", len(rows), err)
	}

	r.logger.Debug("Remote upsert applied", zap.Int("rows", len(rows)))
	return nil
}

func (r *RestRemote) Delete(ctx context.Context, ownerID string, entityIDs []int64) error {
	if ownerID == "" {
		return types.ErrOwnerEmpty
	}

	if len(entityIDs) == 0 {
		return nil
	}

	ids := make([]string, len(entityIDs))
	for i, id := range entityIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}

	query := url.Values{}
	query.Set(r.config.OwnerColumn, "eq."+ownerID)
	query.Set(r.config.EntityColumn, "in.("+strings.Join(ids, ",")+")")

	headers := r.headers()
	headers["Prefer"] = "return=minimal"

	if _, _, err := r.client.Call(ctx, fasthttp.MethodDelete, r.tableURL(query), nil, headers); err != nil {
		return types.Errorf(types.ErrRemoteRequestFailed, "delete %d rows: %v", len(entityIDs), err)
	}

	r.logger.Debug("Remote delete applied", zap.Int("rows", len(entityIDs)))
	return nil
}

func (r *RestRemote) Select(ctx context.Context, ownerID string) ([]types.Row, error) {
	if ownerID == "" {
		return nil, types.ErrOwnerEmpty
	}

	query := url.Values{}
	query.Set("select", strings.Join([]string{r.config.OwnerColumn, r.config.EntityColumn, r.config.FlagColumn}, ","))
	query.Set(r.config.OwnerColumn, "eq."+ownerID)
	query.Set("order", r.config.EntityColumn+".asc")

	body, _, err := r.client.Call(ctx, fasthttp.MethodGet, r.tableURL(query), nil, r.headers())
	if err != nil {
		return nil, types.Errorf(types.ErrRemoteRequestFailed, "select: %v", err)
	}

	var records []map[string]interface{}
	if err = utils.Unmarshal(body, &records); err != nil {
		return nil, types.Errorf(types.ErrRemoteResponseFailed, "decode rows: %v", err)
	}

	rows := make([]types.Row, 0, len(records))
	for _, record := range records {
		entityID, ok := toInt64(record[r.config.EntityColumn])
		if !ok {
			return nil, types.Errorf(types.ErrRemoteResponseFailed, "column %s is not numeric", r.config.EntityColumn)
		}

		flag, _ := record[r.config.FlagColumn].(bool)
		rows = append(rows, types.Row{OwnerID: ownerID, EntityID: entityID, Flag: flag})
	}

	return rows, nil
}

func (r *RestRemote) Close() error {
	r.client.Close()
	return nil
}

func (r *RestRemote) tableURL(query url.Values) string {
	return r.config.BaseURL + r.config.PathPrefix + "/" + r.config.Table + "?" + query.Encode()
}

func (r *RestRemote) headers() map[string]string {
	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}

	if r.config.APIKey != "" {
		headers["apikey"] = r.config.APIKey
	}

	bearer := r.config.APIKey
	if token := r.token.Load(); token != nil && *token != "" {
		bearer = *token
	}

	if bearer != "" {
		headers["Authorization"] = "Bearer " + bearer
	}

	return headers
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case string:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
