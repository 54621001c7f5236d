// Package rbac is the pure access policy: role permission sets plus the
// user-management rules that depend on actor and target. It performs no
// I/O and never mutates its inputs.
package rbac

import "github.com/oakmount-io/mailroom/pkg/model"

// Action is a guarded operation.
type Action string

const (
	ActionPackageView     Action = "package.view"
	ActionPackageCreate   Action = "package.create"
	ActionPackageUpdate   Action = "package.update"
	ActionPackageExport   Action = "package.export"
	ActionRecipientView   Action = "recipient.view"
	ActionRecipientManage Action = "recipient.manage"
	ActionRecipientImport Action = "recipient.import"
	ActionUserManage      Action = "user.manage"
	ActionAuditView       Action = "audit.view"
	ActionSettingsManage  Action = "settings.manage"
	ActionStatsView       Action = "stats.view"
)

// Stable deny reason codes. Callers surface these verbatim.
const (
	ReasonNotPermitted    = "not_permitted"
	ReasonInactiveActor   = "inactive_actor"
	ReasonSelfDeactivate  = "self_deactivate"
	ReasonSelfRoleChange  = "self_role_change"
	ReasonTargetTooSenior = "target_too_senior"
	ReasonRoleTooSenior   = "role_too_senior"
)

// Decision is the outcome of a policy check. Reason is empty when allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// operatorActions is the baseline set; each higher role is a strict
// superset of the one below it.
var operatorActions = []Action{
	ActionPackageView, ActionPackageCreate, ActionPackageUpdate,
	ActionRecipientView, ActionStatsView,
}

var adminActions = append([]Action{
	ActionPackageExport, ActionRecipientManage, ActionRecipientImport,
	ActionUserManage,
}, operatorActions...)

var superAdminActions = append([]Action{
	ActionSettingsManage, ActionAuditView,
}, adminActions...)

func actionsFor(r model.Role) []Action {
	switch r {
	case model.RoleSuperAdmin:
		return superAdminActions
	case model.RoleAdmin:
		return adminActions
	case model.RoleOperator:
		return operatorActions
	}
	return nil
}

// Decide reports whether actor may perform action.
func Decide(actor *model.User, action Action) Decision {
	if actor == nil || !actor.IsActive {
		return deny(ReasonInactiveActor)
	}
	for _, a := range actionsFor(actor.Role) {
		if a == action {
			return allow()
		}
	}
	return deny(ReasonNotPermitted)
}

// Can is the boolean form of Decide.
func Can(actor *model.User, action Action) bool {
	return Decide(actor, action).Allowed
}

// CanManageUser reports whether actor may administer target at all. Super
// admins manage anyone; admins manage operators only; operators manage
// nobody.
func CanManageUser(actor, target *model.User) Decision {
	if d := Decide(actor, ActionUserManage); !d.Allowed {
		return d
	}
	if actor.Role == model.RoleSuperAdmin {
		return allow()
	}
	if target.Role != model.RoleOperator {
		return deny(ReasonTargetTooSenior)
	}
	return allow()
}

// CanAssignRole reports whether actor may create or promote an account to
// role. Only super admins may hand out admin or super admin.
func CanAssignRole(actor *model.User, role model.Role) Decision {
	if d := Decide(actor, ActionUserManage); !d.Allowed {
		return d
	}
	if role == model.RoleOperator || actor.Role == model.RoleSuperAdmin {
		return allow()
	}
	return deny(ReasonRoleTooSenior)
}

// CanDeactivate layers self-protection on top of CanManageUser: an account
// cannot deactivate itself.
func CanDeactivate(actor, target *model.User) Decision {
	if actor.ID == target.ID {
		return deny(ReasonSelfDeactivate)
	}
	return CanManageUser(actor, target)
}

// CanChangeRole guards role edits: only super admins change roles, and
// never their own.
func CanChangeRole(actor, target *model.User, to model.Role) Decision {
	if actor.ID == target.ID {
		return deny(ReasonSelfRoleChange)
	}
	if d := CanManageUser(actor, target); !d.Allowed {
		return d
	}
	return CanAssignRole(actor, to)
}
