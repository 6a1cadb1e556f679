// Package common contains the checkpoint metadata types shared by the
// engine, the serializers and the checkpoint directory manager.
//
// A full checkpoint consists of an index checkpoint (a fuzzy dump of the
// hash index plus IndexInfo) and a log checkpoint (LogInfo: the flushed log
// prefix and one CommitPoint per session). Both halves share one Token when
// taken together, but can be taken and recovered independently as long as
// the index checkpoint does not reach beyond the log checkpoint.
package common
