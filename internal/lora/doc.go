// Package lora parses low-rank adapter checkpoints and binds their targets to base model tensors.
//
// An adapter checkpoint stores, for every adapted module, a down projection (A), an up
// projection (B), an optional alpha scalar and an optional bias delta:
//
//	lora_unet_blocks_0_attn_q.lora_down.weight   [r, in]
//	lora_unet_blocks_0_attn_q.lora_up.weight     [out, r]
//	lora_unet_blocks_0_attn_q.alpha              []
//	blocks.0.attn.q.lora_A.weight                [r, in]   (PEFT naming)
//	blocks.0.attn.q.diff_b                       [out]
//
// ParseAdapter groups those keys into one LowRankAdapter per target. A Resolver then maps each
// target onto base tensor names through the Conventions table and checks that the implied
// delta has the base tensor's shape. Neither step mutates its input.
package lora
