package conflict

// Classify maps a detected conflict situation to exactly one conflict
// type. The inputs are everything the apply worker knows at detection
// time: whether a matching local row exists, whether that row's origin
// differs from the incoming change's origin, and the incoming operation.
//
//	insert + row exists                  -> insert_insert
//	insert + no row                      -> unhandled_tx_abort (the insert
//	                                        itself cannot conflict; this
//	                                        path is reached only when the
//	                                        apply already failed)
//	update + no row                      -> update_delete
//	update + row from a different origin -> update_update
//	update + row from the same origin    -> insert_update
//	delete + no row                      -> delete_delete
//	delete + row from a different origin -> update_delete
//	delete + row from the same origin    -> delete_delete
func Classify(localExists bool, originDiffers bool, op ChangeOp) Type {
	switch op {
	case OpInsert:
		if localExists {
			return TypeInsertInsert
		}
		return TypeUnhandledTxAbort

	case OpUpdate:
		if !localExists {
			return TypeUpdateDelete
		}
		if originDiffers {
			return TypeUpdateUpdate
		}
		return TypeInsertUpdate

	case OpDelete:
		if !localExists {
			return TypeDeleteDelete
		}
		if originDiffers {
			return TypeUpdateDelete
		}
		return TypeDeleteDelete

	default:
		return TypeUnhandledTxAbort
	}
}
