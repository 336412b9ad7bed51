package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskwise-api/ai"
	"taskwise-api/domain"
	"taskwise-api/mutate"
	"taskwise-api/viewmodel"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Store, mut Mutator, auth Authenticator, breakdown Breakdowner, broker *UpdateBroker, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.GET("/api/tasks/stream", streamTasks(store, auth, broker))
	e.POST("/api/tasks", postTask(mut, auth))
	e.PUT("/api/tasks/:id", putTask(mut, auth))
	e.PATCH("/api/tasks/:id/complete", patchComplete(mut, auth))
	e.DELETE("/api/tasks/:id", deleteTask(mut, auth))
	e.GET("/api/preferences", getPreferences(store, auth))
	e.PUT("/api/preferences", putPreferences(store, auth))
	e.POST("/api/breakdown", postBreakdown(breakdown, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// viewOptions resolves the view inputs. Query parameters win; stored
// preferences fill the gaps so a bare request renders the user's saved view.
func viewOptions(c echo.Context, prefs domain.Preferences) (viewmodel.Options, bool) {
	opts := viewmodel.Options{
		Sort:     viewmodel.SortOption(prefs.SortOption),
		Status:   viewmodel.StatusFilter(prefs.StatusFilter),
		Category: prefs.CategoryFilter,
	}
	explicit := false
	if sort := c.QueryParam("sort"); sort != "" {
		opts.Sort = viewmodel.SortOption(sort)
		explicit = true
	}
	if status := c.QueryParam("status"); status != "" {
		opts.Status = viewmodel.StatusFilter(status)
		explicit = true
	}
	if category := c.QueryParam("category"); category != "" {
		opts.Category = category
		explicit = true
	}
	return opts, explicit
}

func getTasks(store Store, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newTaskRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		prefs, prefsErr := store.FetchPreferences(ctx, userID)
		if prefsErr != nil {
			prefs = domain.DefaultPreferences()
		}
		opts, explicit := viewOptions(c, prefs)
		metrics.SetFilterApplied(explicit)
		if !viewmodel.ValidSort(opts.Sort) {
			metrics.SetErrorStage("invalid_sort")
			err = c.String(http.StatusBadRequest, "invalid sort option")
			return err
		}
		if !viewmodel.ValidStatus(opts.Status) {
			metrics.SetErrorStage("invalid_status")
			err = c.String(http.StatusBadRequest, "invalid status filter")
			return err
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.FetchTasks(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}

		view := viewmodel.Build(tasks, opts, time.Now().UTC())
		metrics.SetTasksReturned(len(view.Tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, view)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postTask(mut Mutator, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var in domain.TaskInput
		if err := decodeBody(c, &in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := in.Validate(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		idemKey := c.Request().Header.Get("Idempotency-Key")
		task, err := mut.Add(c.Request().Context(), userID, idemKey, in)
		if err != nil {
			if errors.Is(err, mutate.ErrDuplicate) {
				return c.String(http.StatusConflict, "duplicate request")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func putTask(mut Mutator, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var in domain.TaskInput
		if err := decodeBody(c, &in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := in.Validate(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		task := domain.Task{
			ID:          c.Param("id"),
			Title:       in.Title,
			Description: in.Description,
			Deadline:    in.Deadline,
			Priority:    in.Priority,
			Category:    in.Category,
		}
		if err := mut.Update(c.Request().Context(), userID, task); err != nil {
			if errors.Is(err, domain.ErrMissingID) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update task")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func patchComplete(mut Mutator, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req completeRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		if err := mut.Toggle(c.Request().Context(), userID, c.Param("id"), req.Completed); err != nil {
			if errors.Is(err, domain.ErrMissingID) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update task")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteTask(mut Mutator, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		if err := mut.Delete(c.Request().Context(), userID, c.Param("id")); err != nil {
			if errors.Is(err, domain.ErrMissingID) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getPreferences(store Store, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		prefs, err := store.FetchPreferences(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, prefs)
	}
}

func putPreferences(store Store, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var prefs domain.Preferences
		if err := decodeBody(c, &prefs); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !viewmodel.ValidSort(viewmodel.SortOption(prefs.SortOption)) {
			return c.String(http.StatusBadRequest, "invalid sort option")
		}
		if !viewmodel.ValidStatus(viewmodel.StatusFilter(prefs.StatusFilter)) {
			return c.String(http.StatusBadRequest, "invalid status filter")
		}

		if err := store.SavePreferences(c.Request().Context(), userID, prefs); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to save preferences")
		}
		return c.JSON(http.StatusOK, prefs)
	}
}

func postBreakdown(breakdown Breakdowner, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var in ai.BreakdownInput
		if err := decodeBody(c, &in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		result, err := breakdown.Breakdown(c.Request().Context(), in)
		if err != nil {
			if errors.Is(err, ai.ErrEmptyTitle) {
				return c.String(http.StatusBadRequest, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusBadGateway, "breakdown unavailable")
		}
		return c.JSON(http.StatusOK, result)
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, taskBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
