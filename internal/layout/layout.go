// Package layout names the artifacts a job produces in the object store.
//
// Chunk artifacts live under a per-job namespace "<id>/"; the full upload and
// the merged result sit outside it so removing the namespace never touches
// the final artifact.
package layout

import "fmt"

// Namespace is the object-name prefix holding all of a job's chunks.
func Namespace(jobID string) string {
	return jobID + "/"
}

// FullInput is the name of the original upload.
func FullInput(jobID string) string {
	return fmt.Sprintf("full_input_%s.csv", jobID)
}

// InputChunkPrefix matches every input chunk written by the splitter.
func InputChunkPrefix(jobID string) string {
	return Namespace(jobID) + "input_chunk_"
}

// InputChunk is the name of input chunk i.
func InputChunk(jobID string, i int) string {
	return fmt.Sprintf("%s%d.csv", InputChunkPrefix(jobID), i)
}

// OutputChunkPrefix matches every output chunk written by workers.
func OutputChunkPrefix(jobID string) string {
	return Namespace(jobID) + "output_chunk_"
}

// OutputChunk is the name of output chunk i.
func OutputChunk(jobID string, i int) string {
	return fmt.Sprintf("%s%d.csv", OutputChunkPrefix(jobID), i)
}

// FinalResult is the name of the merged artifact.
func FinalResult(jobID string) string {
	return fmt.Sprintf("final_result_%s.csv", jobID)
}
