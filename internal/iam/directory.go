package iam

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"hisadmin.org/internal/obs"
)

// EmployeeDirectory answers whether an employee record exists. Employees are
// owned by the HIS and referenced here by id only.
type EmployeeDirectory interface {
	EmployeeExists(ctx context.Context, employeeID int64) (bool, error)
}

// HTTPDirectory queries the HIS employee service.
type HTTPDirectory struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPDirectory builds a directory client against baseURL.
func NewHTTPDirectory(baseURL, token string, timeout time.Duration, retries int, logger *zap.Logger) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPDirectory{client: client, logger: obs.OrNop(logger)}
}

// EmployeeExists issues GET /employees/{id}; 200 means present, 404 absent.
func (d *HTTPDirectory) EmployeeExists(ctx context.Context, employeeID int64) (bool, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(employeeID, 10)).
		Get("/employees/{id}")
	if err != nil {
		d.logger.Warn("employee directory call failed", zap.Int64("employee_id", employeeID), zap.Error(err))
		return false, ErrEmployeeDirectoryError.With("%v", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	d.logger.Warn("employee directory returned unexpected status",
		zap.Int64("employee_id", employeeID),
		zap.Int("status_code", resp.StatusCode()))
	return false, ErrEmployeeDirectoryError.With("status %d", resp.StatusCode())
}
