// Package loader reads base model and adapter checkpoints into tensor state dictionaries.
//
// A base model is given as one of:
//   - a single .safetensors file
//   - a directory holding model.safetensors.index.json, whose weight_map names the shards
//   - a directory of *.safetensors shards, loaded in lexical order
//
// Shards are merged into one state dictionary. A tensor name that appears in two shards is an
// error, as is an index entry pointing at a shard that does not hold the tensor.
//
// Example:
//
//	base, err := loader.LoadModel("path/to/model_dir")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer base.Release()
//
//	adapter, err := loader.LoadAdapter("style.safetensors")
//
// Every file goes through serialization.SafeTensorsReader, so headers are validated before any
// tensor bytes are copied.
package loader
