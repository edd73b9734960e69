package api

// buildVerbs wires every group.verb contract from §6 to its handler. Both the
// POST /api/:group/:verb route and the /rpc multiplexer dispatch through this
// same table, so REST and JSON-RPC never diverge in behavior.
func (s *Server) buildVerbs() map[string]verbFunc {
	return map[string]verbFunc{
		"task.create_unit":      s.taskCreateUnit,
		"task.create_composite": s.taskCreateComposite,
		"task.submit_plan":      s.taskSubmitPlan,
		"task.approve_plan":     s.taskApprovePlan,
		"task.reject_plan":      s.taskRejectPlan,
		"task.get":              s.taskGet,
		"task.list":             s.taskList,
		"task.update_status":    s.taskUpdateStatus,
		"task.delete":           s.taskDelete,

		"session.get_log":          s.sessionGetLog,
		"session.submit_tty_input": s.sessionSubmitTTYInput,

		"repository.create": s.repositoryCreate,
		"repository.get":    s.repositoryGet,
		"repository.list":   s.repositoryList,
		"repository.delete": s.repositoryDelete,

		"repository_group.create": s.repositoryGroupCreate,
		"repository_group.get":    s.repositoryGroupGet,
		"repository_group.list":   s.repositoryGroupList,
		"repository_group.delete": s.repositoryGroupDelete,

		"workspace.allocate": s.workspaceAllocate,
		"workspace.get":      s.workspaceGet,
		"workspace.release":  s.workspaceRelease,

		"secrets.send": s.secretsSend,

		"worker.register":     s.workerRegister,
		"worker.heartbeat":    s.workerHeartbeat,
		"worker.unregister":   s.workerUnregister,
		"worker.get_task":     s.workerGetTask,
		"worker.report_status": s.workerReportStatus,
		"worker.get_secrets":  s.workerGetSecrets,
	}
}
