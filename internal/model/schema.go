package model

// OwnedModels 同步服务自己维护的表, 启动时 AutoMigrate
func OwnedModels() []interface{} {
	return []interface{}{
		&SyncCheckpoint{},
		&EscrowAccount{},
		&PaymentHistoryEntry{},
		&StakeHistoryEntry{},
		&ReconciliationDiscrepancy{},
	}
}

// SharedModels 由业务 API 维护, 同步服务只读写部分字段
func SharedModels() []interface{} {
	return []interface{}{
		&Project{},
		&Milestone{},
		&Developer{},
	}
}
