package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// importManagerMiddleware only lets through principals whose effective role manages imports.
func importManagerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		p, err := getContextPrincipal(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context principal")
		}
		if !p.CanManageImports() {
			return errHttpForbidden
		}
		return next(ctx)
	}
}
