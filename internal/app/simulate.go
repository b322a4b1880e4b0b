package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bob-ramp/internal/alerting"
)

var simulatedKinds = map[alerting.Kind]string{
	alerting.KindOracleAborted:       "simulated: too few exchanges returned data",
	alerting.KindOracleFailed:        "simulated: oracle update reverted",
	alerting.KindLedgerIndeterminate: "simulated: settlement outcome unknown, reconcile required",
	alerting.KindSettlementFailed:    "simulated: settlement transaction failed",
	alerting.KindAwaitingApproval:    "simulated: treasury proposal awaiting approval",
}

// SimulateAlert 发送一条模拟告警, 用于验证告警通道配置。
func (a *App) SimulateAlert(ctx context.Context, kind string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	subject, ok := simulatedKinds[alerting.Kind(kind)]
	if !ok {
		return fmt.Errorf("未知告警类别 %q", kind)
	}

	note := alerting.Notification{
		Kind:      alerting.Kind(kind),
		Subject:   subject,
		RequestID: "simulated",
		Reason:    "triggered from the command line",
		At:        time.Now().UTC(),
	}
	return a.newNotifier().Notify(ctx, note)
}
